package symbolicate

import (
	"fmt"

	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

// ResponseStack is the resolution of one module's address. Function fields
// are absent when the module could not be resolved.
type ResponseStack struct {
	ModuleOffset   string               `json:"module_offset"`
	Module         string               `json:"module"`
	Frame          int                  `json:"frame"`
	Function       *string              `json:"function,omitempty"`
	FunctionOffset *string              `json:"function_offset,omitempty"`
	InlineFrames   []symtab.InlineFrame `json:"inline_frames,omitempty"`
}

// Result holds one job's frames, ordered by module index, in a single
// stack.
type Result struct {
	Stacks       [][]ResponseStack `json:"stacks"`
	FoundModules map[string]bool   `json:"found_modules"`
	Errors       map[string]string `json:"errors"`
}

type Response struct {
	Results []Result `json:"results"`
}

// Encode serializes the response.
func (r *Response) Encode() ([]byte, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return nil, wrap(KindSerialization, err, "encode response")
	}
	return out, nil
}

func formatModuleOffset(offset uint32) string {
	return fmt.Sprintf("%#x", offset)
}

// functionOffset renders the distance of offset from the matched symbol.
// In legacy mode it renders the name's byte position in the table buffer
// as decimal, which is what older clients read.
func functionOffset(m symtab.Match, offset uint32, legacy bool) string {
	if legacy {
		return fmt.Sprintf("%d", m.NameOffset)
	}
	return fmt.Sprintf("%#x", offset-m.Address)
}
