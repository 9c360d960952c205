package symbolizer

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Breakpad debug identifiers are a GUID in upper-case hex followed by an
// age. ELF and Mach-O modules always use age 0.

// guidDebugID formats 16 identifier bytes the way Breakpad does for ELF
// build-ids: the first three GUID fields are byte swapped.
func guidDebugID(id []byte) string {
	var guid [16]byte
	copy(guid[:], id)
	return fmt.Sprintf("%08X%04X%04X%s0",
		binary.LittleEndian.Uint32(guid[0:4]),
		binary.LittleEndian.Uint16(guid[4:6]),
		binary.LittleEndian.Uint16(guid[6:8]),
		strings.ToUpper(hex.EncodeToString(guid[8:16])))
}

// uuidDebugID formats a Mach-O LC_UUID, which is already in display order.
func uuidDebugID(uuid []byte) string {
	return strings.ToUpper(hex.EncodeToString(uuid)) + "0"
}

// pdbDebugID formats the GUID stored little-endian in a PDB info stream
// followed by the DBI age in hex.
func pdbDebugID(guid []byte, age uint32) string {
	return fmt.Sprintf("%08X%04X%04X%s%X",
		binary.LittleEndian.Uint32(guid[0:4]),
		binary.LittleEndian.Uint16(guid[4:6]),
		binary.LittleEndian.Uint16(guid[6:8]),
		strings.ToUpper(hex.EncodeToString(guid[8:16])),
		age)
}

// textHashID is the fallback identifier of ELF files without a build-id
// note: the first page of .text folded into 16 bytes with XOR.
func textHashID(text []byte) []byte {
	const pageSize = 4096
	if len(text) > pageSize {
		text = text[:pageSize]
	}
	id := make([]byte, 16)
	for i, b := range text {
		id[i%16] ^= b
	}
	return id
}

// checkDebugID compares identifiers case-insensitively. An empty expected
// identifier accepts anything.
func checkDebugID(expected, actual string) error {
	if expected == "" || strings.EqualFold(expected, actual) {
		return nil
	}
	return &BuildIDMismatchError{Expected: expected, Actual: actual}
}
