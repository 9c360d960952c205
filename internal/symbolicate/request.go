package symbolicate

import (
	"math"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MemoryMapEntry identifies the module loaded at one position of a job's
// memory map.
type MemoryMapEntry struct {
	SymbolFileName string
	DebugID        string
}

// Key is the "file/debugId" string used in found_modules and errors.
func (m MemoryMapEntry) Key() string {
	return m.SymbolFileName + "/" + m.DebugID
}

type RequestStack struct {
	ModuleIndex  uint32
	ModuleOffset uint32
}

// Job is one memory map together with one address per module, ordered by
// module index.
type Job struct {
	MemoryMap []MemoryMapEntry
	Stacks    []RequestStack
}

type rawJob struct {
	MemoryMap *[]jsoniter.RawMessage `json:"memoryMap"`
	Stacks    *[]jsoniter.RawMessage `json:"stacks"`
}

// ParseRequest decodes either {"jobs": [job, ...]} or a single bare job and
// validates every job before returning.
func ParseRequest(data []byte) ([]Job, error) {
	var top map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, wrap(KindInvalidInput, err, "Invalid input: request is not a JSON object")
	}

	raw, ok := top["jobs"]
	if !ok {
		job, err := parseJob(data)
		if err != nil {
			return nil, err
		}
		return []Job{job}, nil
	}

	var rawJobs []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &rawJobs); err != nil {
		return nil, wrap(KindInvalidInput, err, "Invalid input: jobs is not an array")
	}
	jobs := make([]Job, 0, len(rawJobs))
	for _, r := range rawJobs {
		job, err := parseJob(r)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func parseJob(data []byte) (Job, error) {
	var raw rawJob
	if err := json.Unmarshal(data, &raw); err != nil {
		return Job{}, wrap(KindInvalidInput, err, "Invalid input: job is not a JSON object")
	}
	if raw.MemoryMap == nil {
		return Job{}, errorf(KindInvalidInput, "Invalid input: missing memoryMap")
	}
	if raw.Stacks == nil {
		return Job{}, errorf(KindInvalidInput, "Invalid input: missing stacks")
	}

	memoryMap, err := parseMemoryMap(*raw.MemoryMap)
	if err != nil {
		return Job{}, err
	}
	stacks, err := parseStacks(*raw.Stacks)
	if err != nil {
		return Job{}, err
	}
	job := Job{MemoryMap: memoryMap, Stacks: stacks}
	if err := job.validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func parseMemoryMap(entries []jsoniter.RawMessage) ([]MemoryMapEntry, error) {
	out := make([]MemoryMapEntry, 0, len(entries))
	for i, e := range entries {
		var pair []string
		if err := json.Unmarshal(e, &pair); err != nil {
			return nil, wrap(KindInvalidInput, err, "Invalid input: memoryMap entry is not an array of strings")
		}
		if len(pair) != 2 {
			return nil, errorf(KindInvalidInput, "Invalid input: memoryMap entry %d has %d elements, want 2", i, len(pair))
		}
		out = append(out, MemoryMapEntry{SymbolFileName: pair[0], DebugID: pair[1]})
	}
	return out, nil
}

// parseStacks flattens the nested stacks into one sequence sorted by module
// index. The sort is stable.
func parseStacks(groups []jsoniter.RawMessage) ([]RequestStack, error) {
	var out []RequestStack
	for _, g := range groups {
		var frames [][]int64
		if err := json.Unmarshal(g, &frames); err != nil {
			return nil, wrap(KindInvalidInput, err, "Invalid input: stack is not an array of integer pairs")
		}
		for _, f := range frames {
			if len(f) != 2 {
				return nil, errorf(KindInvalidInput, "Invalid input: stack frame has %d elements, want 2", len(f))
			}
			if f[0] < 0 || f[0] > math.MaxUint32 || f[1] < 0 || f[1] > math.MaxUint32 {
				return nil, errorf(KindInvalidInput, "Invalid input: stack frame [%d, %d] out of range", f[0], f[1])
			}
			out = append(out, RequestStack{ModuleIndex: uint32(f[0]), ModuleOffset: uint32(f[1])})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ModuleIndex < out[j].ModuleIndex
	})
	return out, nil
}

func (j Job) validate() error {
	if len(j.MemoryMap) != len(j.Stacks) {
		return errorf(KindInvalidInput, "Invalid input: Unmatched length: memory_map and stacks")
	}
	for i, s := range j.Stacks {
		if int(s.ModuleIndex) != i {
			return errorf(KindUnmatchedModuleIndex, "Unmatched module index: Expected %d, but received %d", i, s.ModuleIndex)
		}
	}
	return nil
}

// offsetFor returns the offset requested for module m. Jobs that did not
// come through ParseRequest may lack it.
func (j Job) offsetFor(m int) (uint32, error) {
	if m >= len(j.Stacks) {
		return 0, errorf(KindInvalidInput, "Invalid input: no stack frame for module %d", m)
	}
	if idx := j.Stacks[m].ModuleIndex; int(idx) != m {
		return 0, errorf(KindUnmatchedModuleIndex, "Unmatched module index: Expected %d, but received %d", m, idx)
	}
	return j.Stacks[m].ModuleOffset, nil
}
