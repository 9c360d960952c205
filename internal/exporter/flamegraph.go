package exporter

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// BuildFoldedStacks aggregates stacks into folded lines, root first, with
// inlined calls expanded after the function they were inlined into.
func BuildFoldedStacks(stacks []Stack) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, s := range stacks {
		if len(s.Frames) == 0 {
			continue
		}

		var names []string
		for i := len(s.Frames) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
			lines := s.Frames[i].lines()
			for j := len(lines) - 1; j >= 0; j-- {
				names = append(names, escapeFoldedName(lines[j]))
			}
		}
		agg[strings.Join(names, ";")] += s.Count
	}
	return agg
}

func escapeFoldedName(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")  // frame separator in folded stacks format
	name = strings.ReplaceAll(name, "\n", " ") // line separator, duh
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacks writes one "stack count" line per entry, highest count
// first.
func WriteFoldedStacks(agg map[string]uint64, w io.Writer) error {
	type kv struct {
		k string
		v uint64
	}
	var items []kv
	for k, v := range agg {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v == items[j].v {
			return items[i].k < items[j].k
		}
		return items[i].v > items[j].v
	})

	for _, it := range items {
		if _, err := fmt.Fprintf(w, "%s %d\n", it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}
