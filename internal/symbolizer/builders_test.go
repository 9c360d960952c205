package symbolizer

import (
	"bytes"
	"encoding/binary"
)

// Minimal in-memory object files for exercising the backends.

type testSym struct {
	name  string
	value uint64
	// function symbols unless set
	object bool
}

type elfSpec struct {
	buildID []byte
	text    []byte
	noText  bool
	symbols []testSym
}

const elfTestBase = 0x400000

func buildELF(spec elfSpec) []byte {
	le := binary.LittleEndian
	const (
		ehdrSize = 64
		phdrSize = 56
		shdrSize = 64
		symSize  = 24
	)
	text := spec.text
	if text == nil {
		text = bytes.Repeat([]byte{0x90}, 64)
	}

	var note []byte
	if spec.buildID != nil {
		note = make([]byte, 16, 16+len(spec.buildID)+3)
		le.PutUint32(note[0:], 4)
		le.PutUint32(note[4:], uint32(len(spec.buildID)))
		le.PutUint32(note[8:], ntGNUBuildID)
		copy(note[12:], "GNU\x00")
		note = append(note, spec.buildID...)
		for len(note)%4 != 0 {
			note = append(note, 0)
		}
	}

	strtab := []byte{0}
	symtab := make([]byte, symSize)
	for _, s := range spec.symbols {
		ent := make([]byte, symSize)
		le.PutUint32(ent[0:], uint32(len(strtab)))
		typ := byte(2) // STT_FUNC
		if s.object {
			typ = 1
		}
		ent[4] = 1<<4 | typ // STB_GLOBAL
		le.PutUint16(ent[6:], 1)
		le.PutUint64(ent[8:], s.value)
		le.PutUint64(ent[16:], 16)
		symtab = append(symtab, ent...)
		strtab = append(append(strtab, s.name...), 0)
	}

	type section struct {
		name    string
		typ     uint32
		addr    uint64
		data    []byte
		link    uint32
		entsize uint64
		off     uint64
		nameOff uint32
	}
	var sections []*section
	if !spec.noText {
		sections = append(sections, &section{name: ".text", typ: 1, addr: elfTestBase + 0x100, data: text})
	}
	if note != nil {
		sections = append(sections, &section{name: ".note.gnu.build-id", typ: 7, data: note})
	}
	strIdx := uint32(len(sections) + 2)
	sections = append(sections,
		&section{name: ".symtab", typ: 2, data: symtab, link: strIdx, entsize: symSize},
		&section{name: ".strtab", typ: 3, data: strtab},
	)
	shstrtab := []byte{0}
	for _, s := range sections {
		s.nameOff = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.name...), 0)
	}
	shstrNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	sections = append(sections, &section{name: ".shstrtab", typ: 3, data: shstrtab, nameOff: shstrNameOff})

	body := make([]byte, 0x100)
	for _, s := range sections {
		for len(body)%8 != 0 {
			body = append(body, 0)
		}
		s.off = uint64(len(body))
		body = append(body, s.data...)
	}
	for len(body)%8 != 0 {
		body = append(body, 0)
	}
	shoff := uint64(len(body))

	ehdr := body[:ehdrSize]
	copy(ehdr, "\x7fELF")
	ehdr[4], ehdr[5], ehdr[6] = 2, 1, 1
	le.PutUint16(ehdr[16:], 2)  // ET_EXEC
	le.PutUint16(ehdr[18:], 62) // EM_X86_64
	le.PutUint32(ehdr[20:], 1)
	le.PutUint64(ehdr[24:], elfTestBase+0x100)
	le.PutUint64(ehdr[32:], ehdrSize)
	le.PutUint64(ehdr[40:], shoff)
	le.PutUint16(ehdr[52:], ehdrSize)
	le.PutUint16(ehdr[54:], phdrSize)
	le.PutUint16(ehdr[56:], 1)
	le.PutUint16(ehdr[58:], shdrSize)
	le.PutUint16(ehdr[60:], uint16(len(sections)+1))
	le.PutUint16(ehdr[62:], uint16(len(sections)))

	phdr := body[ehdrSize : ehdrSize+phdrSize]
	le.PutUint32(phdr[0:], 1) // PT_LOAD
	le.PutUint32(phdr[4:], 5)
	le.PutUint64(phdr[16:], elfTestBase)
	le.PutUint64(phdr[24:], elfTestBase)
	le.PutUint64(phdr[32:], shoff)
	le.PutUint64(phdr[40:], shoff)
	le.PutUint64(phdr[48:], 0x1000)

	body = append(body, make([]byte, shdrSize)...)
	for _, s := range sections {
		sh := make([]byte, shdrSize)
		le.PutUint32(sh[0:], s.nameOff)
		le.PutUint32(sh[4:], s.typ)
		if s.typ == 1 {
			le.PutUint64(sh[8:], 6) // SHF_ALLOC|SHF_EXECINSTR
		}
		le.PutUint64(sh[16:], s.addr)
		le.PutUint64(sh[24:], s.off)
		le.PutUint64(sh[32:], uint64(len(s.data)))
		le.PutUint32(sh[40:], s.link)
		if s.typ == 2 {
			le.PutUint32(sh[44:], 1)
		}
		le.PutUint64(sh[48:], 1)
		le.PutUint64(sh[56:], s.entsize)
		body = append(body, sh...)
	}
	return body
}

type machoSection struct {
	name    string
	segment string
	addr    uint64
}

type machoSpec struct {
	uuid    []byte
	symbols []machoSym
}

type machoSym struct {
	name  string
	value uint64
	sect  uint8
	typ   uint8
}

const machoTestBase = 0x100000000

// buildMachO writes a 64-bit little-endian image with a __TEXT segment
// holding __text (section 1) and a __DATA segment holding __data
// (section 2).
func buildMachO(spec machoSpec) []byte {
	le := binary.LittleEndian
	segments := []struct {
		name string
		addr uint64
		sect machoSection
	}{
		{"__TEXT", machoTestBase, machoSection{"__text", "__TEXT", machoTestBase + 0x1000}},
		{"__DATA", machoTestBase + 0x8000, machoSection{"__data", "__DATA", machoTestBase + 0x8000}},
	}

	var cmds [][]byte
	for _, seg := range segments {
		c := make([]byte, 72+80)
		le.PutUint32(c[0:], 0x19) // LC_SEGMENT_64
		le.PutUint32(c[4:], uint32(len(c)))
		copy(c[8:24], seg.name)
		le.PutUint64(c[24:], seg.addr)
		le.PutUint64(c[32:], 0x8000)
		le.PutUint32(c[64:], 1)
		s := c[72:]
		copy(s[0:16], seg.sect.name)
		copy(s[16:32], seg.sect.segment)
		le.PutUint64(s[32:], seg.sect.addr)
		le.PutUint64(s[40:], 0x100)
		cmds = append(cmds, c)
	}
	if spec.uuid != nil {
		c := make([]byte, 24)
		le.PutUint32(c[0:], loadCmdUUID)
		le.PutUint32(c[4:], 24)
		copy(c[8:], spec.uuid)
		cmds = append(cmds, c)
	}
	symtabCmd := make([]byte, 24)
	le.PutUint32(symtabCmd[0:], 0x2) // LC_SYMTAB
	le.PutUint32(symtabCmd[4:], 24)
	cmds = append(cmds, symtabCmd)

	sizeofcmds := 0
	for _, c := range cmds {
		sizeofcmds += len(c)
	}
	symoff := 32 + sizeofcmds

	strtab := []byte{' ', 0}
	var syms []byte
	for _, s := range spec.symbols {
		n := make([]byte, 16)
		le.PutUint32(n[0:], uint32(len(strtab)))
		n[4] = s.typ
		if n[4] == 0 {
			n[4] = 0x0f // N_SECT|N_EXT
		}
		n[5] = s.sect
		le.PutUint64(n[8:], s.value)
		syms = append(syms, n...)
		strtab = append(append(strtab, s.name...), 0)
	}
	le.PutUint32(symtabCmd[8:], uint32(symoff))
	le.PutUint32(symtabCmd[12:], uint32(len(spec.symbols)))
	le.PutUint32(symtabCmd[16:], uint32(symoff+len(syms)))
	le.PutUint32(symtabCmd[20:], uint32(len(strtab)))

	hdr := make([]byte, 32)
	le.PutUint32(hdr[0:], machoMagic64)
	le.PutUint32(hdr[4:], 0x01000007) // x86_64
	le.PutUint32(hdr[8:], 3)
	le.PutUint32(hdr[12:], 2) // MH_EXECUTE
	le.PutUint32(hdr[16:], uint32(len(cmds)))
	le.PutUint32(hdr[20:], uint32(sizeofcmds))

	out := hdr
	for _, c := range cmds {
		out = append(out, c...)
	}
	out = append(out, syms...)
	return append(out, strtab...)
}

// buildFat wraps slices in a 32-bit fat header. Slices are placed back to
// back after the header.
func buildFat(slices ...[]byte) []byte {
	be := binary.BigEndian
	hdr := make([]byte, 8+20*len(slices))
	be.PutUint32(hdr[0:], fatMagic)
	be.PutUint32(hdr[4:], uint32(len(slices)))
	off := len(hdr)
	for i, s := range slices {
		e := hdr[8+20*i:]
		be.PutUint32(e[0:], 0x01000007)
		be.PutUint32(e[8:], uint32(off))
		be.PutUint32(e[12:], uint32(len(s)))
		off += len(s)
	}
	out := hdr
	for _, s := range slices {
		out = append(out, s...)
	}
	return out
}

type pdbPublic struct {
	name    string
	flags   uint32
	segment uint16
	offset  uint32
}

type pdbSpec struct {
	guid    []byte
	age     uint32
	publics []pdbPublic
}

const pdbBlockSize = 512

// buildPDB lays out an MSF 7.0 file with the info, DBI, section header and
// symbol record streams. Sections: 1 is .text at 0x1000, 2 is .data at
// 0x5000.
func buildPDB(spec pdbSpec) []byte {
	le := binary.LittleEndian

	info := make([]byte, 28)
	le.PutUint32(info[0:], 20000404)
	le.PutUint32(info[8:], spec.age)
	copy(info[12:], spec.guid)

	dbi := make([]byte, dbiHeaderSize+22)
	le.PutUint32(dbi[0:], 0xffffffff)
	le.PutUint32(dbi[8:], spec.age)
	le.PutUint16(dbi[20:], 5)
	le.PutUint32(dbi[48:], 22)
	for i := 0; i < 11; i++ {
		le.PutUint16(dbi[dbiHeaderSize+2*i:], 0xffff)
	}
	le.PutUint16(dbi[dbiHeaderSize+2*dbgHeaderSectionHdr:], 4)

	sections := make([]byte, 2*sectionHeaderSize)
	copy(sections[0:], ".text")
	le.PutUint32(sections[12:], 0x1000)
	le.PutUint32(sections[36:], 0x60000020)
	copy(sections[40:], ".data")
	le.PutUint32(sections[40+12:], 0x5000)
	le.PutUint32(sections[40+36:], 0xc0000040)

	var records []byte
	for _, p := range spec.publics {
		rec := make([]byte, 14)
		le.PutUint16(rec[2:], symPub32)
		le.PutUint32(rec[4:], p.flags)
		le.PutUint32(rec[8:], p.offset)
		le.PutUint16(rec[12:], p.segment)
		rec = append(append(rec, p.name...), 0)
		for len(rec)%4 != 0 {
			rec = append(rec, 0)
		}
		le.PutUint16(rec[0:], uint16(len(rec)-2))
		records = append(records, rec...)
	}

	streams := [][]byte{{}, info, {}, dbi, sections, records}
	return buildMSF(streams)
}

func buildMSF(streams [][]byte) []byte {
	le := binary.LittleEndian
	const firstStreamBlock = 4

	next := uint32(firstStreamBlock)
	var dir []byte
	dir = le.AppendUint32(dir, uint32(len(streams)))
	for _, s := range streams {
		dir = le.AppendUint32(dir, uint32(len(s)))
	}
	var data []byte
	for _, s := range streams {
		n := (len(s) + pdbBlockSize - 1) / pdbBlockSize
		for i := 0; i < n; i++ {
			dir = le.AppendUint32(dir, next)
			next++
		}
		padded := make([]byte, n*pdbBlockSize)
		copy(padded, s)
		data = append(data, padded...)
	}

	out := make([]byte, firstStreamBlock*pdbBlockSize)
	copy(out, msfMagic)
	le.PutUint32(out[32:], pdbBlockSize)
	le.PutUint32(out[36:], 1)
	le.PutUint32(out[40:], next)
	le.PutUint32(out[44:], uint32(len(dir)))
	le.PutUint32(out[52:], 2)
	le.PutUint32(out[2*pdbBlockSize:], 3)
	copy(out[3*pdbBlockSize:], dir)
	return append(out, data...)
}
