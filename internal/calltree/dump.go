package calltree

import (
	"fmt"

	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/routine"
)

type (
	// Dump is the serializable form of a Tree. Nodes and records keep
	// their arena order so that Import rebuilds the exact same tree.
	Dump struct {
		Root    NodeID       `json:"root"`
		Nodes   []NodeDump   `json:"nodes"`
		Records []RecordDump `json:"records"`
	}

	NodeDump struct {
		Routine     routine.ID          `json:"routine"`
		Parent      NodeID              `json:"parent"`
		Children    []NodeID            `json:"children,omitempty"`
		Location    routine.Location    `json:"location"`
		Measurement measure.Measurement `json:"measurement"`
		Synthetic   bool                `json:"synthetic,omitempty"`
	}

	RecordDump struct {
		Routine     routine.ID          `json:"routine"`
		Location    routine.Location    `json:"location"`
		Measurement measure.Measurement `json:"measurement"`
		Recursive   bool                `json:"recursive,omitempty"`
		Nodes       []NodeID            `json:"nodes"`
		Allocations []Allocation        `json:"allocations,omitempty"`
	}
)

// Export returns the dump of the tree. Open visits are not part of it.
func (t *Tree) Export() Dump {
	d := Dump{
		Root:    t.Root,
		Nodes:   make([]NodeDump, 0, len(t.nodes)),
		Records: make([]RecordDump, 0, len(t.records)),
	}
	for _, n := range t.nodes {
		d.Nodes = append(d.Nodes, NodeDump{
			Routine:     n.Routine,
			Parent:      n.Parent,
			Children:    append([]NodeID(nil), n.order...),
			Location:    n.Location,
			Measurement: n.Measurement,
			Synthetic:   n.Synthetic,
		})
	}
	for i := range t.records {
		r := &t.records[i]
		d.Records = append(d.Records, RecordDump{
			Routine:     r.Routine,
			Location:    r.Location,
			Measurement: r.Measurement,
			Recursive:   r.Recursive,
			Nodes:       append([]NodeID{}, r.nodes...),
			Allocations: r.Allocations(),
		})
	}
	return d
}

// Import rebuilds a tree from its dump, checking that every reference in
// it is consistent.
func Import(d Dump) (*Tree, error) {
	t := New()
	count := NodeID(len(d.Nodes))
	valid := func(id NodeID) bool {
		return id >= 0 && id < count
	}
	switch {
	case count == 0 && d.Root != None:
		return nil, fmt.Errorf("calltree: %w: root %d in an empty tree", errorutil.ErrDataIntegrity, d.Root)
	case count > 0 && !valid(d.Root):
		return nil, fmt.Errorf("calltree: %w: root %d out of range", errorutil.ErrDataIntegrity, d.Root)
	}
	t.Root = d.Root

	t.nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		if n.Parent != None && !valid(n.Parent) {
			return nil, fmt.Errorf("calltree: %w: node %d has parent %d out of range", errorutil.ErrDataIntegrity, i, n.Parent)
		}
		if (n.Parent == None) != (NodeID(i) == d.Root) {
			return nil, fmt.Errorf("calltree: %w: node %d is detached from the root", errorutil.ErrDataIntegrity, i)
		}
		t.nodes[i] = Node{
			Routine:     n.Routine,
			Record:      -1,
			Parent:      n.Parent,
			Location:    n.Location,
			Measurement: n.Measurement,
			Synthetic:   n.Synthetic,
		}
	}
	for i, n := range d.Nodes {
		for _, c := range n.Children {
			if !valid(c) || d.Nodes[c].Parent != NodeID(i) {
				return nil, fmt.Errorf("calltree: %w: node %d has foreign child %d", errorutil.ErrDataIntegrity, i, c)
			}
			if _, ok := t.nodes[i].children[d.Nodes[c].Routine]; ok {
				return nil, fmt.Errorf("calltree: %w: node %d has two children for %v", errorutil.ErrDataIntegrity, i, d.Nodes[c].Routine)
			}
			t.link(NodeID(i), c)
		}
	}

	reached := 0
	t.Walk(t.Root, func(NodeID, int) bool {
		reached++
		return true
	})
	if reached != len(t.nodes) {
		return nil, fmt.Errorf("calltree: %w: %d of %d nodes reachable from the root", errorutil.ErrDataIntegrity, reached, len(t.nodes))
	}

	t.records = make([]Record, len(d.Records))
	for i, r := range d.Records {
		if _, ok := t.byRoutine[r.Routine]; ok {
			return nil, fmt.Errorf("calltree: %w: duplicate record for %v", errorutil.ErrDataIntegrity, r.Routine)
		}
		id := RecordID(i)
		t.byRoutine[r.Routine] = id
		t.records[i] = Record{
			Routine:     r.Routine,
			Location:    r.Location,
			Measurement: r.Measurement,
			Recursive:   r.Recursive,
			nodes:       append([]NodeID(nil), r.Nodes...),
		}
		for _, n := range r.Nodes {
			if !valid(n) || t.nodes[n].Record != -1 || t.nodes[n].Routine != r.Routine {
				return nil, fmt.Errorf("calltree: %w: record %v owns invalid node %d", errorutil.ErrDataIntegrity, r.Routine, n)
			}
			t.nodes[n].Record = id
		}
		for _, a := range r.Allocations {
			t.records[i].addAllocation(a)
		}
	}
	for i := range t.nodes {
		if t.nodes[i].Record == -1 {
			return nil, fmt.Errorf("calltree: %w: node %d has no record", errorutil.ErrDataIntegrity, i)
		}
	}
	return t, nil
}
