package exporter

import (
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
)

type NowFunc func() uint64 // produces unix nsec

const scopeName = "symbolicator"

// BuildOltpProfile converts stacks into OTLP profiles data. Index 0 of every
// dictionary table is the zero value, as the format requires.
func BuildOltpProfile(stacks []Stack, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	stringTable := []string{""}
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	mappingIdx := map[string]int32{}
	functionIdx := map[string]int32{}
	profileSamples := make([]*profilespb.Sample, 0, len(stacks))

	sampleType := &profilespb.ValueType{
		TypeStrindex: strIndex(&stringTable, "samples"),
		UnitStrindex: strIndex(&stringTable, "count"),
	}

	mappingFor := func(module string) int32 {
		if idx, ok := mappingIdx[module]; ok {
			return idx
		}
		mappingTable = append(mappingTable, &profilespb.Mapping{
			FilenameStrindex: strIndex(&stringTable, module),
		})
		idx := int32(len(mappingTable) - 1)
		mappingIdx[module] = idx
		return idx
	}

	functionFor := func(name string) int32 {
		if idx, ok := functionIdx[name]; ok {
			return idx
		}
		nameIdx := strIndex(&stringTable, name)
		functionTable = append(functionTable, &profilespb.Function{
			NameStrindex:       nameIdx,
			SystemNameStrindex: nameIdx,
		})
		idx := int32(len(functionTable) - 1)
		functionIdx[name] = idx
		return idx
	}

	buildStack := func(frames []Frame) int32 {
		locIndices := make([]int32, 0, len(frames))
		for _, f := range frames {
			loc := &profilespb.Location{
				Address:      f.Address,
				MappingIndex: mappingFor(f.Module),
			}
			for _, name := range f.lines() {
				loc.Lines = append(loc.Lines, &profilespb.Line{FunctionIndex: functionFor(name)})
			}
			locationTable = append(locationTable, loc)
			locIndices = append(locIndices, int32(len(locationTable)-1))
		}

		stackTable = append(stackTable, &profilespb.Stack{LocationIndices: locIndices})
		return int32(len(stackTable) - 1)
	}

	for _, s := range stacks {
		if len(s.Frames) == 0 {
			continue
		}
		profileSamples = append(profileSamples, &profilespb.Sample{
			StackIndex:         buildStack(s.Frames),
			Values:             []int64{int64(s.Count)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{nowNsec},
		})
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(0),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    scopeName,
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	dictionary := &profilespb.ProfilesDictionary{
		MappingTable:  mappingTable,
		LocationTable: locationTable,
		FunctionTable: functionTable,
		StackTable:    stackTable,
		StringTable:   stringTable,
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dictionary,
	}
}

// ExportRequest wraps profiles data in the collector export request, which
// is what OTLP receivers accept over HTTP.
func ExportRequest(data *profilespb.ProfilesData) *collectorpb.ExportProfilesServiceRequest {
	return &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.ResourceProfiles,
		Dictionary:       data.Dictionary,
	}
}

func strIndex(table *[]string, s string) int32 {
	for i, v := range *table {
		if v == s {
			return int32(i)
		}
	}
	*table = append(*table, s)
	return int32(len(*table) - 1)
}
