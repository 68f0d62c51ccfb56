// Package speedscope renders call trees as speedscope documents
// (https://www.speedscope.app/file-format-schema.json).
package speedscope

import (
	"sort"

	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/profiler"
	"github.com/getsentry/callprof/internal/routine"
)

const (
	Schema = "https://www.speedscope.app/file-format-schema.json"

	ValueUnitNone    ValueUnit = "none"
	ValueUnitSeconds ValueUnit = "seconds"
	ValueUnitBytes   ValueUnit = "bytes"

	ProfileTypeSampled ProfileType = "sampled"
)

type (
	Frame struct {
		File string `json:"file,omitempty"`
		Line int    `json:"line,omitempty"`
		Name string `json:"name"`
	}

	// SampledProfile is one profile of the document. SamplesProfiles holds,
	// for each sample, the indices in SharedData.ProfileIDs of the profiles
	// it was seen in.
	SampledProfile struct {
		EndValue        float64     `json:"endValue"`
		IsMainThread    bool        `json:"isMainThread"`
		Name            string      `json:"name"`
		Samples         [][]int     `json:"samples"`
		SamplesProfiles [][]int     `json:"samples_profiles,omitempty"`
		StartValue      float64     `json:"startValue"`
		Type            ProfileType `json:"type"`
		Unit            ValueUnit   `json:"unit"`
		Weights         []float64   `json:"weights"`
	}

	SharedData struct {
		Frames     []Frame  `json:"frames"`
		ProfileIDs []string `json:"profile_ids,omitempty"`
	}

	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string           `json:"$schema"`
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		Exporter           string           `json:"exporter"`
		Name               string           `json:"name"`
		Profiles           []SampledProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
	}
)

// Unit returns the speedscope unit of the readings of a measure mode.
func Unit(m measure.Mode) ValueUnit {
	switch m {
	case measure.WallTime, measure.CPUTime:
		return ValueUnitSeconds
	case measure.Memory:
		return ValueUnitBytes
	default:
		return ValueUnitNone
	}
}

// FromContexts returns a document with one sampled profile per context. Each
// node with self time becomes a sample whose stack is the path from the root
// and whose weight is the self time. The context named main, if any, is the
// active profile.
func FromContexts(profileID string, mode measure.Mode, main profiler.ContextID, contexts []*profiler.Context) Output {
	o := Output{
		Schema:   Schema,
		Exporter: "callprof",
		Name:     profileID,
		Profiles: make([]SampledProfile, 0, len(contexts)),
	}
	frames := make(map[routine.ID]int)
	for i, c := range contexts {
		tree := c.Tree()
		p := SampledProfile{
			IsMainThread: c.ID == main,
			Name:         string(c.ID),
			Samples:      [][]int{},
			Type:         ProfileTypeSampled,
			Unit:         Unit(mode),
			Weights:      []float64{},
		}
		if p.IsMainThread {
			o.ActiveProfileIndex = i
		}
		var stack []int
		tree.Walk(tree.Root, func(id calltree.NodeID, depth int) bool {
			n := tree.Node(id)
			fi, ok := frames[n.Routine]
			if !ok {
				rec := tree.Record(n.Record)
				fi = len(o.Shared.Frames)
				frames[n.Routine] = fi
				o.Shared.Frames = append(o.Shared.Frames, Frame{
					File: rec.Location.File,
					Line: rec.Location.Line,
					Name: n.Routine.String(),
				})
			}
			stack = append(stack[:depth], fi)
			if n.Measurement.SelfTime > 0 {
				p.Samples = append(p.Samples, append([]int(nil), stack...))
				p.Weights = append(p.Weights, n.Measurement.SelfTime)
			}
			return true
		})
		SortSamples(&p, o.Shared.Frames)
		for _, w := range p.Weights {
			p.EndValue += w
		}
		o.Profiles = append(o.Profiles, p)
	}
	if o.Shared.Frames == nil {
		o.Shared.Frames = []Frame{}
	}
	return o
}

// SortSamples orders the samples of p alphabetically, keeping weights and
// profiles aligned with their sample.
func SortSamples(p *SampledProfile, frames []Frame) {
	order := make([]int, len(p.Samples))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return lessStack(p.Samples[order[i]], p.Samples[order[j]], frames)
	})
	samples := make([][]int, len(order))
	weights := make([]float64, len(order))
	var profiles [][]int
	if p.SamplesProfiles != nil {
		profiles = make([][]int, len(order))
	}
	for i, o := range order {
		samples[i] = p.Samples[o]
		weights[i] = p.Weights[o]
		if profiles != nil {
			profiles[i] = p.SamplesProfiles[o]
		}
	}
	p.Samples, p.Weights, p.SamplesProfiles = samples, weights, profiles
}

// SortSamplesAlphabetically orders stacks by the names of their frames,
// shorter stacks first when one is a prefix of the other.
func SortSamplesAlphabetically(samples [][]int, frames []Frame) {
	sort.SliceStable(samples, func(i, j int) bool {
		return lessStack(samples[i], samples[j], frames)
	})
}

func lessStack(a, b []int, frames []Frame) bool {
	for c := 0; ; c++ {
		if len(a) == c {
			return len(b) > c
		} else if len(b) == c {
			return false
		}
		if frames[a[c]].Name != frames[b[c]].Name {
			return frames[a[c]].Name < frames[b[c]].Name
		}
	}
}
