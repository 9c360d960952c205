package symbolizer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ianlancetaylor/demangle"

	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

var msfMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

const (
	pdbStreamInfo = 1
	pdbStreamDBI  = 3

	dbiHeaderSize       = 64
	dbgHeaderSectionHdr = 5
	sectionHeaderSize   = 40

	symPub32 = 0x110e

	pubFlagCode     = 0x1
	pubFlagFunction = 0x2

	scnCntCode    = 0x00000020
	scnMemExecute = 0x20000000

	nilStreamSize = 0xffffffff
)

var errMalformedPDB = errors.New("malformed PDB file")

// PDBBackend reads public function symbols from the PDB that accompanies a
// PE image. Offsets in the table are RVAs.
type PDBBackend struct {
	demangle []demangle.Option
}

func (b *PDBBackend) Extract(_, debug []byte, debugID string) (*symtab.Table, error) {
	if len(debug) == 0 {
		return nil, ErrMissingDebugData
	}
	msf, err := openMSF(debug)
	if err != nil {
		return nil, err
	}

	info, err := msf.stream(pdbStreamInfo)
	if err != nil {
		return nil, err
	}
	if len(info) < 28 {
		return nil, fmt.Errorf("%w: short info stream", errMalformedPDB)
	}
	dbi, err := msf.stream(pdbStreamDBI)
	if err != nil {
		return nil, err
	}
	if len(dbi) < dbiHeaderSize {
		return nil, fmt.Errorf("%w: short DBI stream", errMalformedPDB)
	}
	age := binary.LittleEndian.Uint32(dbi[8:])
	if err := checkDebugID(debugID, pdbDebugID(info[12:28], age)); err != nil {
		return nil, err
	}

	sections, err := msf.sectionHeaders(dbi)
	if err != nil {
		return nil, err
	}
	records, err := msf.stream(int(binary.LittleEndian.Uint16(dbi[20:])))
	if err != nil {
		return nil, err
	}

	symbols := make(map[uint32]string)
	for len(records) >= 4 {
		recLen := int(binary.LittleEndian.Uint16(records))
		if recLen < 2 || 2+recLen > len(records) {
			break
		}
		rec := records[2 : 2+recLen]
		records = records[2+recLen:]
		if binary.LittleEndian.Uint16(rec) != symPub32 || len(rec) < 15 {
			continue
		}
		flags := binary.LittleEndian.Uint32(rec[2:])
		offset := binary.LittleEndian.Uint32(rec[6:])
		seg := int(binary.LittleEndian.Uint16(rec[10:]))
		name := rec[12:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if seg == 0 || seg > len(sections) || len(name) == 0 {
			continue
		}
		sec := sections[seg-1]
		if flags&(pubFlagCode|pubFlagFunction) == 0 && !sec.executable() {
			continue
		}
		rva := uint64(sec.virtualAddress) + uint64(offset)
		if rva > math.MaxUint32 {
			continue
		}
		symbols[uint32(rva)] = demangleName(string(name), b.demangle)
	}
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	return symtab.Build(symbols), nil
}

// msfFile is a read-only view of a multi-stream file.
type msfFile struct {
	data      []byte
	blockSize uint32
	sizes     []uint32
	blocks    [][]uint32
}

func openMSF(data []byte) (*msfFile, error) {
	if len(data) < 56 || !bytes.HasPrefix(data, msfMagic) {
		return nil, fmt.Errorf("%w: bad superblock", errMalformedPDB)
	}
	m := &msfFile{
		data:      data,
		blockSize: binary.LittleEndian.Uint32(data[32:]),
	}
	switch m.blockSize {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("%w: block size %d", errMalformedPDB, m.blockSize)
	}
	dirSize := binary.LittleEndian.Uint32(data[44:])
	mapAddr := binary.LittleEndian.Uint32(data[52:])

	mapBlock, err := m.block(mapAddr)
	if err != nil {
		return nil, err
	}
	count, err := m.checkedBlockCount(dirSize)
	if err != nil {
		return nil, err
	}
	if count*4 > uint64(len(mapBlock)) {
		return nil, fmt.Errorf("%w: directory too large", errMalformedPDB)
	}
	dirBlocks := make([]uint32, count)
	for i := range dirBlocks {
		dirBlocks[i] = binary.LittleEndian.Uint32(mapBlock[i*4:])
	}
	dir, err := m.read(dirBlocks, dirSize)
	if err != nil {
		return nil, err
	}
	if err := m.parseDirectory(dir); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *msfFile) parseDirectory(dir []byte) error {
	if len(dir) < 4 {
		return fmt.Errorf("%w: empty stream directory", errMalformedPDB)
	}
	n := int(binary.LittleEndian.Uint32(dir))
	dir = dir[4:]
	if n > len(dir)/4 {
		return fmt.Errorf("%w: stream count %d", errMalformedPDB, n)
	}
	m.sizes = make([]uint32, n)
	for i := range m.sizes {
		m.sizes[i] = binary.LittleEndian.Uint32(dir[i*4:])
	}
	dir = dir[n*4:]

	m.blocks = make([][]uint32, n)
	for i, size := range m.sizes {
		if size == nilStreamSize {
			continue
		}
		nb, err := m.checkedBlockCount(size)
		if err != nil {
			return fmt.Errorf("stream %d: %w", i, err)
		}
		if nb*4 > uint64(len(dir)) {
			return fmt.Errorf("%w: truncated stream directory", errMalformedPDB)
		}
		count := int(nb)
		blocks := make([]uint32, count)
		for j := range blocks {
			blocks[j] = binary.LittleEndian.Uint32(dir[j*4:])
		}
		m.blocks[i] = blocks
		dir = dir[count*4:]
	}
	return nil
}

func (m *msfFile) blockCount(size uint32) uint64 {
	return (uint64(size) + uint64(m.blockSize) - 1) / uint64(m.blockSize)
}

// checkedBlockCount rejects sizes that need more blocks than the file has.
func (m *msfFile) checkedBlockCount(size uint32) (uint64, error) {
	n := m.blockCount(size)
	if n*uint64(m.blockSize) > uint64(len(m.data)) {
		return 0, fmt.Errorf("%w: size %d exceeds file", errMalformedPDB, size)
	}
	return n, nil
}

func (m *msfFile) block(i uint32) ([]byte, error) {
	start := uint64(i) * uint64(m.blockSize)
	end := start + uint64(m.blockSize)
	if end > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: block %d out of range", errMalformedPDB, i)
	}
	return m.data[start:end], nil
}

func (m *msfFile) read(blocks []uint32, size uint32) ([]byte, error) {
	if uint64(len(blocks))*uint64(m.blockSize) < uint64(size) {
		return nil, fmt.Errorf("%w: %d blocks cannot hold %d bytes", errMalformedPDB, len(blocks), size)
	}
	if len(blocks) == 1 && size <= m.blockSize {
		b, err := m.block(blocks[0])
		if err != nil {
			return nil, err
		}
		return b[:size], nil
	}
	out := make([]byte, 0, size)
	for _, i := range blocks {
		b, err := m.block(i)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out[:size], nil
}

func (m *msfFile) stream(i int) ([]byte, error) {
	if i < 0 || i >= len(m.sizes) || m.sizes[i] == nilStreamSize {
		return nil, fmt.Errorf("%w: missing stream %d", errMalformedPDB, i)
	}
	return m.read(m.blocks[i], m.sizes[i])
}

type pdbSection struct {
	virtualAddress  uint32
	characteristics uint32
}

func (s pdbSection) executable() bool {
	return s.characteristics&(scnCntCode|scnMemExecute) != 0
}

// sectionHeaders locates the section header stream through the optional
// debug header that trails the DBI substreams.
func (m *msfFile) sectionHeaders(dbi []byte) ([]pdbSection, error) {
	off := dbiHeaderSize
	for _, at := range []int{24, 28, 32, 36, 40, 52} {
		size := int(int32(binary.LittleEndian.Uint32(dbi[at:])))
		if size < 0 {
			return nil, fmt.Errorf("%w: negative DBI substream size", errMalformedPDB)
		}
		off += size
	}
	dbgSize := int(int32(binary.LittleEndian.Uint32(dbi[48:])))
	if dbgSize < (dbgHeaderSectionHdr+1)*2 || off+dbgSize > len(dbi) {
		return nil, fmt.Errorf("%w: no section headers", errMalformedPDB)
	}
	idx := binary.LittleEndian.Uint16(dbi[off+dbgHeaderSectionHdr*2:])
	raw, err := m.stream(int(idx))
	if err != nil {
		return nil, err
	}

	sections := make([]pdbSection, 0, len(raw)/sectionHeaderSize)
	for len(raw) >= sectionHeaderSize {
		sections = append(sections, pdbSection{
			virtualAddress:  binary.LittleEndian.Uint32(raw[12:]),
			characteristics: binary.LittleEndian.Uint32(raw[36:]),
		})
		raw = raw[sectionHeaderSize:]
	}
	return sections, nil
}
