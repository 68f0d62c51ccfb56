// Package chrometrace renders call trees in the Chrome trace event format,
// laid out as flame charts: children start where their previous sibling
// ended and last their total time.
package chrometrace

import (
	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/profiler"
)

const (
	PhaseComplete = "X"
	PhaseMetadata = "M"
)

type (
	Event struct {
		Name      string                 `json:"name"`
		Category  string                 `json:"cat,omitempty"`
		Phase     string                 `json:"ph"`
		Timestamp float64                `json:"ts"`
		Duration  float64                `json:"dur,omitempty"`
		PID       int                    `json:"pid"`
		TID       int                    `json:"tid"`
		Args      map[string]interface{} `json:"args,omitempty"`
	}

	Trace struct {
		TraceEvents     []Event           `json:"traceEvents"`
		DisplayTimeUnit string            `json:"displayTimeUnit"`
		Metadata        map[string]string `json:"metadata,omitempty"`
	}
)

// scale turns readings into trace microseconds. Count based modes use one
// unit per microsecond.
func scale(m measure.Mode) float64 {
	switch m {
	case measure.WallTime, measure.CPUTime:
		return 1e6
	default:
		return 1
	}
}

// FromContexts returns a trace with one thread per context.
func FromContexts(profileID string, mode measure.Mode, contexts []*profiler.Context) Trace {
	t := Trace{
		TraceEvents:     []Event{},
		DisplayTimeUnit: "ms",
		Metadata: map[string]string{
			"profile_id":   profileID,
			"measure_mode": mode.String(),
		},
	}
	s := scale(mode)
	for i, c := range contexts {
		tid := i + 1
		t.TraceEvents = append(t.TraceEvents, Event{
			Name:  "thread_name",
			Phase: PhaseMetadata,
			PID:   1,
			TID:   tid,
			Args:  map[string]interface{}{"name": string(c.ID)},
		})
		tree := c.Tree()
		if tree.Empty() {
			continue
		}
		t.TraceEvents = appendNode(t.TraceEvents, tree, tree.Root, 0, s, tid)
	}
	return t
}

func appendNode(events []Event, tree *calltree.Tree, id calltree.NodeID, start, s float64, tid int) []Event {
	n := tree.Node(id)
	events = append(events, Event{
		Name:      n.Routine.String(),
		Category:  n.Routine.Scope,
		Phase:     PhaseComplete,
		Timestamp: start * s,
		Duration:  n.Measurement.TotalTime * s,
		PID:       1,
		TID:       tid,
		Args: map[string]interface{}{
			"self":      n.Measurement.SelfTime,
			"wait":      n.Measurement.WaitTime,
			"calls":     n.Measurement.CallCount,
			"synthetic": n.Synthetic,
		},
	})
	cursor := start
	for _, c := range tree.Children(id) {
		events = appendNode(events, tree, c, cursor, s, tid)
		cursor += tree.Node(c).Measurement.TotalTime
	}
	return events
}
