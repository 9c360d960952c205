// Package symtab holds the compact, address-sorted symbol table built once per
// module and queried with nearest-preceding-symbol lookups.
//
// A table is three flat arrays: the sorted symbol addresses, the start offset
// of every name inside a shared byte buffer (plus a trailing sentinel), and the
// buffer itself. No per-symbol allocation happens after Build returns.
package symtab

import (
	"errors"
	"fmt"
	"sort"
)

var ErrAddressOutOfBounds = errors.New("address out of bounds")

// OutOfBoundsError is returned when an offset precedes every known symbol.
type OutOfBoundsError struct {
	Size   int
	Offset uint32
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("address out of bounds: table has %d symbols, requested offset 0x%x", e.Size, e.Offset)
}

func (e *OutOfBoundsError) Is(target error) bool {
	return target == ErrAddressOutOfBounds
}

// Table is immutable once built and safe for concurrent lookups.
type Table struct {
	addr   []uint32
	index  []uint32
	buffer []byte

	inline []InlineRange
}

// Match is the result of a lookup.
type Match struct {
	Name string
	// Address of the symbol that was matched, always <= the requested offset.
	Address uint32
	// NameOffset is the position of the name in the buffer relative to the
	// first name. Kept for clients that expect the legacy function_offset.
	NameOffset uint32

	InlineFrames []InlineFrame
}

type BuildOption func(*Table)

// WithInlineRanges attaches inline-call ranges to the table.
func WithInlineRanges(ranges []InlineRange) BuildOption {
	return func(t *Table) {
		t.inline = sortInlineRanges(ranges)
	}
}

// Build creates a table from an address to name mapping.
func Build(symbols map[uint32]string, opts ...BuildOption) *Table {
	addrs := make([]uint32, 0, len(symbols))
	total := 0
	for a, name := range symbols {
		addrs = append(addrs, a)
		total += len(name)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	t := &Table{
		addr:   addrs,
		index:  make([]uint32, 0, len(addrs)+1),
		buffer: make([]byte, 0, total),
	}
	for _, a := range addrs {
		t.index = append(t.index, uint32(len(t.buffer)))
		t.buffer = append(t.buffer, symbols[a]...)
	}
	t.index = append(t.index, uint32(len(t.buffer)))

	for _, o := range opts {
		o(t)
	}
	return t
}

// Lookup resolves offset to the symbol starting at offset or, when there is
// none, to the nearest symbol below it. Debug tables usually only record
// function entry points, so an offset inside a function body resolves to the
// function start.
func (t *Table) Lookup(offset uint32) (Match, error) {
	p := sort.Search(len(t.addr), func(i int) bool { return t.addr[i] > offset })
	if p == 0 {
		return Match{}, &OutOfBoundsError{Size: len(t.addr), Offset: offset}
	}
	i := p - 1
	start, end := t.index[i], t.index[i+1]
	return Match{
		Name:         string(t.buffer[start:end]),
		Address:      t.addr[i],
		NameOffset:   start - t.index[0],
		InlineFrames: t.inlineFramesAt(offset),
	}, nil
}

func (t *Table) Len() int { return len(t.addr) }

// Addrs returns the sorted symbol addresses. Callers must not modify it.
func (t *Table) Addrs() []uint32 { return t.addr }

// Index returns the name start offsets including the trailing sentinel.
// Callers must not modify it.
func (t *Table) Index() []uint32 { return t.index }

// Buffer returns the concatenated names. Callers must not modify it.
func (t *Table) Buffer() []byte { return t.buffer }

// Name returns the i-th name in address order.
func (t *Table) Name(i int) string {
	return string(t.buffer[t.index[i]:t.index[i+1]])
}
