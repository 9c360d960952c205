package symbolizer

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

// Dispatcher routes a binary to the backend matching its format.
type Dispatcher struct {
	ELF   Backend
	MachO Backend
	// PE symbols come from the PDB passed as debug data.
	PE Backend

	maxDecompress int64
}

func NewDispatcher(opts ...Option) *Dispatcher {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{
		ELF:           &ELFBackend{demangle: o.demangle, maxDecompress: o.maxDecompress},
		MachO:         &MachOBackend{demangle: o.demangle},
		PE:            &PDBBackend{demangle: o.demangle},
		maxDecompress: o.maxDecompress,
	}
}

// Extract builds the symbol table of a module binary, reading debug when
// the format keeps its symbols in a separate file.
func (d *Dispatcher) Extract(image, debug []byte, debugID string) (*symtab.Table, error) {
	data, err := decompress(image, d.maxDecompress)
	if err != nil {
		return nil, fmt.Errorf("binary data: %w", err)
	}
	if len(debug) > 0 {
		if debug, err = decompress(debug, d.maxDecompress); err != nil {
			return nil, fmt.Errorf("debug data: %w", err)
		}
	}

	format := DetectFormat(data)
	slog.Debug("Extracting symbols", "format", format, "size", len(data), "debugSize", len(debug))
	switch format {
	case FormatELF:
		return d.ELF.Extract(data, nil, debugID)
	case FormatMachO:
		return d.MachO.Extract(data, nil, debugID)
	case FormatMachOFat:
		return d.extractFat(data, debugID)
	case FormatPE:
		return d.PE.Extract(data, debug, debugID)
	default:
		return nil, ErrUnrecognizedFormat
	}
}

// extractFat returns the table of the first architecture slice that
// extracts successfully.
func (d *Dispatcher) extractFat(data []byte, debugID string) (*symtab.Table, error) {
	var lastErr error
	for _, arch := range parseFatArches(data) {
		table, err := d.MachO.Extract(data[arch.offset:arch.offset+arch.size], nil, debugID)
		if err == nil {
			return table, nil
		}
		slog.Debug("Fat slice did not match", "cpuType", arch.cpuType, "error", err)
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrIncompatibleArchitecture
}

type fatArch struct {
	cpuType    uint32
	cpuSubtype uint32
	offset     uint64
	size       uint64
}

// parseFatArches reads the fat header and returns the slices that lie
// within data, in file order.
func parseFatArches(data []byte) []fatArch {
	if len(data) < 8 {
		return nil
	}
	magic := binary.BigEndian.Uint32(data)
	n := binary.BigEndian.Uint32(data[4:])
	entrySize := 20
	if magic == fatMagic64 {
		entrySize = 32
	}

	var arches []fatArch
	for i := 0; i < int(n); i++ {
		off := 8 + i*entrySize
		if off+entrySize > len(data) {
			break
		}
		e := data[off : off+entrySize]
		a := fatArch{
			cpuType:    binary.BigEndian.Uint32(e[0:]),
			cpuSubtype: binary.BigEndian.Uint32(e[4:]),
		}
		if magic == fatMagic64 {
			a.offset = binary.BigEndian.Uint64(e[8:])
			a.size = binary.BigEndian.Uint64(e[16:])
		} else {
			a.offset = uint64(binary.BigEndian.Uint32(e[8:]))
			a.size = uint64(binary.BigEndian.Uint32(e[12:]))
		}
		if a.size == 0 || a.offset > uint64(len(data)) || a.size > uint64(len(data))-a.offset {
			slog.Debug("Skipping fat slice outside of file", "index", i, "offset", a.offset, "size", a.size)
			continue
		}
		arches = append(arches, a)
	}
	return arches
}
