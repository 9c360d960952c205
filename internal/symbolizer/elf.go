package symbolizer

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"log/slog"
	"math"

	"github.com/ianlancetaylor/demangle"
	"github.com/ulikunitz/xz"

	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

const ntGNUBuildID = 3

// ELFBackend reads function symbols from .dynsym and .symtab, or from the
// MiniDebugInfo section when both are stripped, and inline ranges from DWARF.
type ELFBackend struct {
	demangle      []demangle.Option
	maxDecompress int64
}

func (b *ELFBackend) Extract(data, _ []byte, debugID string) (*symtab.Table, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF file: %w", err)
	}
	defer ef.Close()

	// without an expected identifier there is nothing to verify
	if debugID != "" {
		id, err := elfDebugID(ef)
		if err != nil {
			return nil, err
		}
		if err := checkDebugID(debugID, id); err != nil {
			return nil, err
		}
	}

	base := elfImageBase(ef)
	symbols := make(map[uint32]string)
	b.collectSymbols(ef, base, symbols)
	if len(symbols) == 0 {
		if err := b.collectMiniDebugInfo(ef, base, symbols); err != nil {
			slog.Debug("MiniDebugInfo not available", "error", err)
		}
	}
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}

	inline, err := b.inlineRanges(ef, base)
	if err != nil {
		slog.Debug("DWARF inline data not available", "error", err)
	}
	return symtab.Build(symbols, symtab.WithInlineRanges(inline)), nil
}

// collectSymbols adds function symbols to dst. .symtab entries override
// .dynsym entries at the same address.
func (b *ELFBackend) collectSymbols(ef *elf.File, base uint64, dst map[uint32]string) {
	if dynsym, err := ef.DynamicSymbols(); err == nil {
		b.addSymbols(dynsym, base, dst)
	}
	if syms, err := ef.Symbols(); err == nil {
		b.addSymbols(syms, base, dst)
	}
}

func (b *ELFBackend) addSymbols(syms []elf.Symbol, base uint64, dst map[uint32]string) {
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF {
			continue
		}
		if s.Value == 0 || s.Name == "" || s.Value < base {
			continue
		}
		rel := s.Value - base
		if rel > math.MaxUint32 {
			continue
		}
		dst[uint32(rel)] = demangleName(s.Name, b.demangle)
	}
}

// collectMiniDebugInfo reads the xz-compressed ELF embedded in
// .gnu_debugdata. Its addresses share the outer file's layout.
func (b *ELFBackend) collectMiniDebugInfo(ef *elf.File, base uint64, dst map[uint32]string) error {
	sec := ef.Section(".gnu_debugdata")
	if sec == nil {
		return ErrNoSymbols
	}
	data, err := sec.Data()
	if err != nil {
		return fmt.Errorf("read .gnu_debugdata: %w", err)
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open .gnu_debugdata: %w", err)
	}
	uncompressed, err := readAllLimited(r, b.maxDecompress)
	if err != nil {
		return fmt.Errorf("decompress .gnu_debugdata: %w", err)
	}
	mini, err := elf.NewFile(bytes.NewReader(uncompressed))
	if err != nil {
		return fmt.Errorf("parse .gnu_debugdata: %w", err)
	}
	defer mini.Close()
	b.collectSymbols(mini, base, dst)
	return nil
}

// elfImageBase is the page-aligned address of the lowest loadable segment.
// Module offsets are relative to it.
func elfImageBase(ef *elf.File) uint64 {
	base := uint64(math.MaxUint64)
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < base {
			base = prog.Vaddr
		}
	}
	if base == math.MaxUint64 {
		return 0
	}
	return base &^ 0xfff
}

func elfDebugID(ef *elf.File) (string, error) {
	if id := gnuBuildID(ef); len(id) > 0 {
		return guidDebugID(id), nil
	}
	text := ef.Section(".text")
	if text == nil {
		return "", ErrNoDebugID
	}
	data, err := text.Data()
	if err != nil {
		return "", fmt.Errorf("read .text: %w", err)
	}
	return guidDebugID(textHashID(data)), nil
}

// gnuBuildID returns the descriptor of the NT_GNU_BUILD_ID note, if any.
func gnuBuildID(ef *elf.File) []byte {
	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		for len(data) >= 12 {
			namesz := ef.ByteOrder.Uint32(data[0:])
			descsz := ef.ByteOrder.Uint32(data[4:])
			typ := ef.ByteOrder.Uint32(data[8:])
			nameEnd := 12 + align4(uint64(namesz))
			descEnd := nameEnd + align4(uint64(descsz))
			if descEnd > uint64(len(data)) {
				break
			}
			name := data[12 : 12+uint64(namesz)]
			if typ == ntGNUBuildID && bytes.Equal(bytes.TrimRight(name, "\x00"), []byte("GNU")) && descsz > 0 {
				return data[nameEnd : nameEnd+uint64(descsz)]
			}
			data = data[descEnd:]
		}
	}
	return nil
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// inlineRanges walks DW_TAG_inlined_subroutine entries and records the
// ranges they cover together with their nesting depth.
func (b *ELFBackend) inlineRanges(ef *elf.File, base uint64) ([]symtab.InlineRange, error) {
	d, err := ef.DWARF()
	if err != nil {
		return nil, err
	}

	names := make(map[dwarf.Offset]string)
	var (
		ranges []symtab.InlineRange
		files  []*dwarf.LineFile
		// one entry per open level of the tree, true if opened by an
		// inlined subroutine
		levels []bool
	)
	inlineDepth := func() uint32 {
		var n uint32
		for _, inl := range levels {
			if inl {
				n++
			}
		}
		return n
	}

	rdr := d.Reader()
	for {
		ent, err := rdr.Next()
		if err != nil {
			return ranges, err
		}
		if ent == nil {
			break
		}
		if ent.Tag == 0 {
			if len(levels) > 0 {
				levels = levels[:len(levels)-1]
			}
			continue
		}

		switch ent.Tag {
		case dwarf.TagCompileUnit:
			files = nil
			if lr, err := d.LineReader(ent); err == nil && lr != nil {
				files = lr.Files()
			}
		case dwarf.TagInlinedSubroutine:
			name := b.originName(d, ent, names)
			if name == "" {
				break
			}
			rs, err := d.Ranges(ent)
			if err != nil {
				break
			}
			callFile := ""
			if idx, ok := attrUint(ent, dwarf.AttrCallFile); ok && idx < uint64(len(files)) && files[idx] != nil {
				callFile = files[idx].Name
			}
			callLine, _ := attrUint(ent, dwarf.AttrCallLine)
			depth := inlineDepth()
			for _, r := range rs {
				if r[0] < base || r[1] <= r[0] || r[1]-base > math.MaxUint32 {
					continue
				}
				ranges = append(ranges, symtab.InlineRange{
					Low:      uint32(r[0] - base),
					High:     uint32(r[1] - base),
					Function: name,
					CallFile: callFile,
					CallLine: uint32(callLine),
					Depth:    depth,
				})
			}
		}

		if ent.Children {
			levels = append(levels, ent.Tag == dwarf.TagInlinedSubroutine)
		}
	}
	return ranges, nil
}

// originName resolves the name of an inlined subroutine through its
// abstract origin, following one DW_AT_specification hop.
func (b *ELFBackend) originName(d *dwarf.Data, ent *dwarf.Entry, cache map[dwarf.Offset]string) string {
	off, ok := ent.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		return entryName(ent)
	}
	if name, ok := cache[off]; ok {
		return name
	}

	key := off
	name := ""
	r := d.Reader()
	for hop := 0; hop < 2; hop++ {
		r.Seek(off)
		origin, err := r.Next()
		if err != nil || origin == nil {
			break
		}
		if name = entryName(origin); name != "" {
			break
		}
		spec, ok := origin.Val(dwarf.AttrSpecification).(dwarf.Offset)
		if !ok {
			break
		}
		off = spec
	}
	name = demangleName(name, b.demangle)
	cache[key] = name
	return name
}

func entryName(ent *dwarf.Entry) string {
	if s, ok := ent.Val(dwarf.AttrLinkageName).(string); ok && s != "" {
		return s
	}
	if s, ok := ent.Val(dwarf.AttrName).(string); ok {
		return s
	}
	return ""
}

func attrUint(ent *dwarf.Entry, attr dwarf.Attr) (uint64, bool) {
	switch v := ent.Val(attr).(type) {
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}
