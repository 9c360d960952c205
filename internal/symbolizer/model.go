package symbolizer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatMachOFat
	FormatPE
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatMachOFat:
		return "macho-fat"
	case FormatPE:
		return "pe"
	default:
		return "unknown"
	}
}

// Backend extracts the symbol table of one binary format. Implementations
// must verify that the embedded debug identifier matches debugID.
type Backend interface {
	Extract(image, debug []byte, debugID string) (*symtab.Table, error)
}

var (
	ErrUnrecognizedFormat       = errors.New("unrecognized binary format")
	ErrIncompatibleArchitecture = errors.New("incompatible system architecture")
	ErrNoSymbols                = errors.New("no symbols found")
	ErrNoDebugID                = errors.New("no debug identifier found")
	ErrMissingDebugData         = errors.New("missing debug data")
)

// BuildIDMismatchError is returned when the binary does not carry the
// expected debug identifier.
type BuildIDMismatchError struct {
	Expected string
	Actual   string
}

func (e *BuildIDMismatchError) Error() string {
	return fmt.Sprintf("debug identifier mismatch: expected %s, found %s", e.Expected, e.Actual)
}

const (
	machoMagic32    = 0xfeedface
	machoMagic64    = 0xfeedfacf
	machoCigam32    = 0xcefaedfe
	machoCigam64    = 0xcffaedfe
	fatMagic        = 0xcafebabe
	fatMagic64      = 0xcafebabf
	maxFatArchCount = 45
)

// DetectFormat classifies data by its leading magic bytes.
func DetectFormat(data []byte) Format {
	if len(data) < 4 {
		if len(data) >= 2 && data[0] == 'M' && data[1] == 'Z' {
			return FormatPE
		}
		return FormatUnknown
	}
	if data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F' {
		return FormatELF
	}
	if data[0] == 'M' && data[1] == 'Z' {
		return FormatPE
	}
	switch binary.BigEndian.Uint32(data) {
	case machoMagic32, machoMagic64, machoCigam32, machoCigam64:
		return FormatMachO
	case fatMagic, fatMagic64:
		// Java class files share the fat magic; they carry a version
		// number where the arch count would be.
		if len(data) >= 8 && binary.BigEndian.Uint32(data[4:]) < maxFatArchCount {
			return FormatMachOFat
		}
	}
	return FormatUnknown
}
