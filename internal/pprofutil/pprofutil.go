// Package pprofutil renders call trees as pprof profiles.
package pprofutil

import (
	"fmt"
	"io"
	"math"

	"github.com/google/pprof/profile"

	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/profiler"
	"github.com/getsentry/callprof/internal/routine"
)

const ContextLabel = "context"

// Unit returns the pprof unit of a measure mode and the factor turning a
// reading into an integer value of that unit.
func Unit(m measure.Mode) (string, float64) {
	switch m {
	case measure.WallTime, measure.CPUTime:
		return "nanoseconds", 1e9
	case measure.Memory:
		return "bytes", 1
	default:
		return "count", 1
	}
}

type builder struct {
	p         *profile.Profile
	functions map[routine.ID]*profile.Function
	locations map[calltree.NodeID]*profile.Location
	scale     float64
}

// FromContexts returns a profile with one sample per call tree node. The
// sample stack is the path from the root, leaf first, and the values are the
// node's calls, total and self measurement. Samples are labeled with their
// context.
func FromContexts(mode measure.Mode, contexts []*profiler.Context) (*profile.Profile, error) {
	unit, scale := Unit(mode)
	b := builder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "calls", Unit: "count"},
				{Type: "total", Unit: unit},
				{Type: "self", Unit: unit},
			},
			DefaultSampleType: "self",
			PeriodType:        &profile.ValueType{Type: mode.String(), Unit: unit},
			Period:            1,
		},
		functions: make(map[routine.ID]*profile.Function),
		scale:     scale,
	}
	for _, c := range contexts {
		b.addTree(string(c.ID), c.Tree())
	}
	if err := b.p.CheckValid(); err != nil {
		return nil, fmt.Errorf("pprofutil: %w", err)
	}
	return b.p, nil
}

func (b *builder) addTree(label string, tree *calltree.Tree) {
	// locations are per node, since a node is a call site
	b.locations = make(map[calltree.NodeID]*profile.Location)
	var stack []*profile.Location
	tree.Walk(tree.Root, func(id calltree.NodeID, depth int) bool {
		stack = append(stack[:depth], b.location(tree, id))
		n := tree.Node(id)
		locations := make([]*profile.Location, len(stack))
		for i, l := range stack {
			locations[len(stack)-1-i] = l
		}
		b.p.Sample = append(b.p.Sample, &profile.Sample{
			Location: locations,
			Value: []int64{
				int64(n.Measurement.CallCount),
				b.value(n.Measurement.TotalTime),
				b.value(n.Measurement.SelfTime),
			},
			Label: map[string][]string{ContextLabel: {label}},
		})
		return true
	})
}

func (b *builder) value(v float64) int64 {
	return int64(math.Round(v * b.scale))
}

func (b *builder) location(tree *calltree.Tree, id calltree.NodeID) *profile.Location {
	if l, ok := b.locations[id]; ok {
		return l
	}
	n := tree.Node(id)
	l := &profile.Location{
		ID: uint64(len(b.p.Location) + 1),
		Line: []profile.Line{{
			Function: b.function(n.Routine, tree.Record(n.Record).Location),
			Line:     int64(n.Location.Line),
		}},
	}
	b.p.Location = append(b.p.Location, l)
	b.locations[id] = l
	return l
}

func (b *builder) function(id routine.ID, def routine.Location) *profile.Function {
	if f, ok := b.functions[id]; ok {
		return f
	}
	f := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       id.String(),
		SystemName: id.String(),
		Filename:   def.File,
		StartLine:  int64(def.Line),
	}
	b.p.Function = append(b.p.Function, f)
	b.functions[id] = f
	return f
}

// Write writes the gzipped protobuf encoding of the profile.
func Write(w io.Writer, mode measure.Mode, contexts []*profiler.Context) error {
	p, err := FromContexts(mode, contexts)
	if err != nil {
		return err
	}
	return p.Write(w)
}
