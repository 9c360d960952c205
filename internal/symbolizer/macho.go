package symbolizer

import (
	"bytes"
	"debug/macho"
	"fmt"
	"math"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

const (
	loadCmdUUID = 0x1b
	nStab       = 0xe0
)

// MachOBackend reads symbols defined in __TEXT sections of a thin Mach-O
// image. Addresses are relative to the __TEXT segment.
type MachOBackend struct {
	demangle []demangle.Option
}

func (b *MachOBackend) Extract(data, _ []byte, debugID string) (*symtab.Table, error) {
	mf, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse Mach-O file: %w", err)
	}
	defer mf.Close()

	if debugID != "" {
		uuid := machoUUID(mf)
		if uuid == nil {
			return nil, ErrNoDebugID
		}
		if err := checkDebugID(debugID, uuidDebugID(uuid)); err != nil {
			return nil, err
		}
	}

	text := mf.Segment("__TEXT")
	if text == nil {
		return nil, ErrNoSymbols
	}
	if mf.Symtab == nil {
		return nil, ErrNoSymbols
	}

	symbols := make(map[uint32]string)
	for _, s := range mf.Symtab.Syms {
		if s.Type&nStab != 0 || s.Sect == 0 || int(s.Sect) > len(mf.Sections) {
			continue
		}
		if mf.Sections[s.Sect-1].Seg != "__TEXT" {
			continue
		}
		if s.Name == "" || s.Value < text.Addr || s.Value-text.Addr > math.MaxUint32 {
			continue
		}
		name := strings.TrimPrefix(s.Name, "_")
		symbols[uint32(s.Value-text.Addr)] = demangleName(name, b.demangle)
	}
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	return symtab.Build(symbols), nil
}

func machoUUID(mf *macho.File) []byte {
	for _, l := range mf.Loads {
		raw := l.Raw()
		if len(raw) < 24 {
			continue
		}
		if mf.ByteOrder.Uint32(raw) == loadCmdUUID {
			return raw[8:24]
		}
	}
	return nil
}
