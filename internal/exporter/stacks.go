package exporter

import (
	"fmt"
	"strconv"

	"github.com/VladMinzatu/symbolicator/internal/symbolicate"
)

// Frame is one symbolicated address.
type Frame struct {
	Module  string
	Address uint64
	// Function is empty when the module could not be resolved.
	Function string
	// Inline lists inlined calls at the address, outermost first.
	Inline []string
}

// Name is the function name, or module+offset when unresolved.
func (f Frame) Name() string {
	if f.Function != "" {
		return f.Function
	}
	return fmt.Sprintf("%s+0x%x", f.Module, f.Address)
}

// Stack holds frames leaf first, one per job in a response.
type Stack struct {
	Frames []Frame
	Count  uint64
}

// StacksFromResponse turns every stack of every job into a Stack with count 1.
func StacksFromResponse(resp *symbolicate.Response) []Stack {
	var stacks []Stack
	for _, res := range resp.Results {
		for _, rs := range res.Stacks {
			if len(rs) == 0 {
				continue
			}
			s := Stack{Frames: make([]Frame, 0, len(rs)), Count: 1}
			for _, f := range rs {
				s.Frames = append(s.Frames, frameFrom(f))
			}
			stacks = append(stacks, s)
		}
	}
	return stacks
}

func frameFrom(rs symbolicate.ResponseStack) Frame {
	addr, err := strconv.ParseUint(rs.ModuleOffset, 0, 64)
	if err != nil {
		addr = 0
	}
	f := Frame{Module: rs.Module, Address: addr}
	if rs.Function != nil {
		f.Function = *rs.Function
	}
	for _, in := range rs.InlineFrames {
		f.Inline = append(f.Inline, in.Function)
	}
	return f
}

// lines returns the function names at a frame, innermost first.
func (f Frame) lines() []string {
	out := make([]string, 0, len(f.Inline)+1)
	for i := len(f.Inline) - 1; i >= 0; i-- {
		out = append(out, f.Inline[i])
	}
	return append(out, f.Name())
}
