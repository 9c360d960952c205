package exporter

import (
	"io"
	"sort"

	"github.com/google/pprof/profile"
)

type locationKey struct {
	module  string
	address uint64
}

// BuildPprofProfile builds a profile with one sample per stack. Every module
// gets its own mapping and inlined calls become extra lines of a location.
func BuildPprofProfile(stacks []Stack, now NowFunc) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		TimeNanos:  int64(now()),
	}
	if len(stacks) == 0 {
		return p, nil
	}

	funcs := map[string]*profile.Function{}
	mappings := map[string]*profile.Mapping{}
	locMap := map[locationKey]*profile.Location{}

	addFunction := func(name string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       name,
			SystemName: name,
		}
		funcs[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addMapping := func(module string) *profile.Mapping {
		if m, ok := mappings[module]; ok {
			return m
		}
		m := &profile.Mapping{
			ID:   uint64(len(p.Mapping) + 1),
			File: module,
		}
		mappings[module] = m
		p.Mapping = append(p.Mapping, m)
		return m
	}

	addLocationFor := func(f Frame) *profile.Location {
		key := locationKey{f.Module, f.Address}
		if loc, ok := locMap[key]; ok {
			return loc
		}
		m := addMapping(f.Module)
		if f.Function != "" {
			m.HasFunctions = true
		}
		loc := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Mapping: m,
			Address: f.Address,
		}
		for _, name := range f.lines() {
			loc.Line = append(loc.Line, profile.Line{Function: addFunction(name)})
		}
		locMap[key] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, s := range stacks {
		if len(s.Frames) == 0 {
			continue
		}
		// pprof expects stacks leaf first, same as Stack
		locs := make([]*profile.Location, 0, len(s.Frames))
		for _, f := range s.Frames {
			locs = append(locs, addLocationFor(f))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(s.Count)},
			Location: locs,
		})
	}

	// sort for deterministic output
	sort.Slice(p.Function, func(i, j int) bool { return p.Function[i].ID < p.Function[j].ID })
	sort.Slice(p.Location, func(i, j int) bool { return p.Location[i].ID < p.Location[j].ID })

	return p, p.CheckValid()
}

// WriteProfile writes the gzip-compressed profile.
func WriteProfile(p *profile.Profile, w io.Writer) error {
	return p.Write(w)
}
