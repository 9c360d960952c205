package symtab

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkInvariants(t *testing.T, tab *Table) {
	t.Helper()
	addr, index, buf := tab.Addrs(), tab.Index(), tab.Buffer()
	require.Len(t, index, len(addr)+1)
	for i := 1; i < len(addr); i++ {
		require.Less(t, addr[i-1], addr[i], "addr must be strictly ascending at %d", i)
	}
	for i := 1; i < len(index); i++ {
		require.LessOrEqual(t, index[i-1], index[i], "index must be non-decreasing at %d", i)
	}
	require.Equal(t, uint32(len(buf)), index[len(index)-1])
}

func TestBuild_Invariants(t *testing.T) {
	testcases := []struct {
		name    string
		symbols map[uint32]string
	}{
		{"empty", map[uint32]string{}},
		{"single", map[uint32]string{0x10: "main"}},
		{"unordered", map[uint32]string{0x300: "c", 0x100: "a", 0x200: "b"}},
		{"empty name", map[uint32]string{0x100: "", 0x200: "b"}},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			tab := Build(tc.symbols)
			checkInvariants(t, tab)
			assert.Equal(t, len(tc.symbols), tab.Len())
		})
	}
}

func TestBuild_RandomRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	symbols := make(map[uint32]string)
	for i := 0; i < 2000; i++ {
		a := rnd.Uint32()
		symbols[a] = fmt.Sprintf("fn_%d_%x", i, a)
	}
	tab := Build(symbols)
	checkInvariants(t, tab)

	for a, name := range symbols {
		m, err := tab.Lookup(a)
		require.NoError(t, err)
		require.Equal(t, name, m.Name)
		require.Equal(t, a, m.Address)
	}
}

func TestLookup(t *testing.T) {
	tab := Build(map[uint32]string{
		0x1000: "start",
		0x1100: "parse_args",
		0x2000: "run",
	})

	testcases := []struct {
		offset   uint32
		wantName string
		wantAddr uint32
		wantErr  bool
	}{
		{offset: 0x1000, wantName: "start", wantAddr: 0x1000},
		{offset: 0x1050, wantName: "start", wantAddr: 0x1000},
		{offset: 0x1100, wantName: "parse_args", wantAddr: 0x1100},
		{offset: 0x1fff, wantName: "parse_args", wantAddr: 0x1100},
		{offset: 0x2000, wantName: "run", wantAddr: 0x2000},
		{offset: 0xffffffff, wantName: "run", wantAddr: 0x2000},
		{offset: 0x0fff, wantErr: true},
		{offset: 0, wantErr: true},
	}
	for _, tc := range testcases {
		t.Run(fmt.Sprintf("offset=0x%x", tc.offset), func(t *testing.T) {
			m, err := tab.Lookup(tc.offset)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrAddressOutOfBounds))
				var oob *OutOfBoundsError
				require.ErrorAs(t, err, &oob)
				assert.Equal(t, 3, oob.Size)
				assert.Equal(t, tc.offset, oob.Offset)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantName, m.Name)
			assert.Equal(t, tc.wantAddr, m.Address)
		})
	}
}

func TestLookup_EmptyTable(t *testing.T) {
	tab := Build(nil)
	_, err := tab.Lookup(0x10)
	require.ErrorIs(t, err, ErrAddressOutOfBounds)
}

func TestLookup_NameOffset(t *testing.T) {
	tab := Build(map[uint32]string{0x10: "aa", 0x20: "bbb", 0x30: "c"})

	m, err := tab.Lookup(0x35)
	require.NoError(t, err)
	assert.Equal(t, "c", m.Name)
	assert.Equal(t, uint32(5), m.NameOffset)

	m, err = tab.Lookup(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), m.NameOffset)
}

func TestLookup_InlineFrames(t *testing.T) {
	tab := Build(map[uint32]string{0x100: "outer"}, WithInlineRanges([]InlineRange{
		{Low: 0x110, High: 0x140, Function: "mid", CallLine: 12, Depth: 0},
		{Low: 0x120, High: 0x130, Function: "leaf", CallLine: 40, Depth: 1},
		{Low: 0x200, High: 0x200, Function: "empty"},
		{Low: 0x150, High: 0x160, Function: ""},
	}))
	require.Len(t, tab.InlineRanges(), 2)

	m, err := tab.Lookup(0x125)
	require.NoError(t, err)
	assert.Equal(t, "outer", m.Name)
	require.Len(t, m.InlineFrames, 2)
	assert.Equal(t, "mid", m.InlineFrames[0].Function)
	assert.Equal(t, "leaf", m.InlineFrames[1].Function)
	assert.Equal(t, uint32(40), m.InlineFrames[1].CallLine)

	m, err = tab.Lookup(0x135)
	require.NoError(t, err)
	require.Len(t, m.InlineFrames, 1)
	assert.Equal(t, "mid", m.InlineFrames[0].Function)

	m, err = tab.Lookup(0x108)
	require.NoError(t, err)
	assert.Empty(t, m.InlineFrames)
}
