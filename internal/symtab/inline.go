package symtab

import "sort"

// InlineRange is a [Low, High) offset range covered by an inlined call.
type InlineRange struct {
	Low, High uint32
	Function  string
	CallFile  string
	CallLine  uint32
	// Depth is the nesting level of the inlined call, 0 being inlined
	// directly into the enclosing function.
	Depth uint32
}

// InlineFrame is one inlined call covering a looked-up offset.
type InlineFrame struct {
	Function string `json:"function"`
	CallFile string `json:"call_file,omitempty"`
	CallLine uint32 `json:"call_line,omitempty"`
	Depth    uint32 `json:"depth"`
}

func sortInlineRanges(ranges []InlineRange) []InlineRange {
	out := make([]InlineRange, 0, len(ranges))
	for _, r := range ranges {
		if r.High <= r.Low || r.Function == "" {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Low < out[j].Low })
	return out
}

// inlineFramesAt returns the inlined calls covering offset, outermost first.
func (t *Table) inlineFramesAt(offset uint32) []InlineFrame {
	if len(t.inline) == 0 {
		return nil
	}
	n := sort.Search(len(t.inline), func(i int) bool { return t.inline[i].Low > offset })
	var frames []InlineFrame
	for _, r := range t.inline[:n] {
		if offset < r.High {
			frames = append(frames, InlineFrame{
				Function: r.Function,
				CallFile: r.CallFile,
				CallLine: r.CallLine,
				Depth:    r.Depth,
			})
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Depth < frames[j].Depth })
	return frames
}

// InlineRanges returns the attached inline ranges sorted by Low.
func (t *Table) InlineRanges() []InlineRange { return t.inline }
