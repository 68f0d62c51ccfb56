package main

import (
	"time"

	"github.com/getsentry/callprof/internal/nodetree"
	"github.com/getsentry/callprof/internal/profiler"
	"github.com/getsentry/callprof/internal/snapshot"
)

type (
	// CallTreesKafkaMessage is the message published for every stored
	// profile, carrying the report tree of each context.
	CallTreesKafkaMessage struct {
		CallTrees   map[profiler.ContextID][]*nodetree.Node `json:"call_trees"`
		Environment string                                  `json:"environment,omitempty"`
		ID          string                                  `json:"profile_id"`
		MeasureMode string                                  `json:"measure_mode"`
		Release     string                                  `json:"release,omitempty"`
		Timestamp   int64                                   `json:"timestamp"`
	}
)

func buildCallTreesKafkaMessage(p snapshot.Profile, r *profiler.Recorder, environment string, now time.Time) CallTreesKafkaMessage {
	return CallTreesKafkaMessage{
		CallTrees:   callTrees(r, true),
		Environment: environment,
		ID:          p.ID,
		MeasureMode: p.MeasureMode.String(),
		Release:     release,
		Timestamp:   now.Unix(),
	}
}

// callTrees returns the report tree of each context, without placeholder
// nodes when collapse is set.
func callTrees(r *profiler.Recorder, collapse bool) map[profiler.ContextID][]*nodetree.Node {
	trees := make(map[profiler.ContextID][]*nodetree.Node)
	for _, c := range r.Contexts() {
		n := nodetree.FromTree(c.Tree())
		if n == nil {
			continue
		}
		if collapse {
			trees[c.ID] = n.Collapse()
		} else {
			trees[c.ID] = []*nodetree.Node{n}
		}
	}
	return trees
}
