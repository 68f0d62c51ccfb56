// Package calltree holds the call tree of one execution context: the nodes,
// one per distinct caller/callee edge, and the routine records aggregating
// every node of a routine. Nodes and records live in arenas owned by the
// Tree and refer to each other through indices, never pointers.
package calltree

import (
	"fmt"
	"math"

	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/routine"
)

// None is the handle of a missing node, used for the parent of a root.
const None NodeID = -1

type (
	NodeID   int32
	RecordID int32

	Node struct {
		Routine     routine.ID
		Record      RecordID
		Parent      NodeID
		Location    routine.Location
		Measurement measure.Measurement
		// Synthetic is set on placeholder parents inserted when execution
		// returned above the first recorded frame.
		Synthetic bool

		visits   int
		children map[routine.ID]NodeID
		order    []NodeID
	}

	Record struct {
		Routine     routine.ID
		Location    routine.Location
		Measurement measure.Measurement
		Recursive   bool

		visits      int
		nodes       []NodeID
		allocations map[AllocationSite]*Allocation
	}

	Tree struct {
		Root NodeID
		// MaxNodes bounds the arena, 0 means unbounded.
		MaxNodes int

		nodes     []Node
		records   []Record
		byRoutine map[routine.ID]RecordID
	}
)

var ErrTooManyNodes = fmt.Errorf("calltree: %w: node limit reached", errorutil.ErrResourceExhausted)

func New() *Tree {
	return &Tree{
		Root:      None,
		byRoutine: make(map[routine.ID]RecordID),
	}
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Empty() bool {
	return t.Root == None
}

// Node returns the node for id. The pointer is valid until the next node is
// created.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// Record returns the record for id. The pointer is valid until the next
// record is created.
func (t *Tree) Record(id RecordID) *Record {
	return &t.records[id]
}

// RecordOf returns the record of the node.
func (t *Tree) RecordOf(id NodeID) *Record {
	return &t.records[t.nodes[id].Record]
}

// Lookup returns the record of a routine.
func (t *Tree) Lookup(id routine.ID) (RecordID, bool) {
	r, ok := t.byRoutine[id]
	return r, ok
}

// Records returns the number of records. Record IDs are 0..Records()-1 in
// creation order.
func (t *Tree) Records() int {
	return len(t.records)
}

// Children returns the children of a node in the order they were first seen.
func (t *Tree) Children(id NodeID) []NodeID {
	return t.nodes[id].order
}

// Child returns the child of parent for the callee, or None.
func (t *Tree) Child(parent NodeID, callee routine.ID) NodeID {
	if c, ok := t.nodes[parent].children[callee]; ok {
		return c
	}
	return None
}

// Nodes returns the nodes owned by a record.
func (r *Record) Nodes() []NodeID {
	return r.nodes
}

// Visits returns how many activations of the record are open.
func (r *Record) Visits() int {
	return r.visits
}

// Visits returns how many activations of the node are open.
func (n *Node) Visits() int {
	return n.visits
}

// define returns the record of a routine, creating it on first sight.
func (t *Tree) define(id routine.ID, def routine.Location) RecordID {
	if r, ok := t.byRoutine[id]; ok {
		rec := &t.records[r]
		if rec.Location.File == "" {
			rec.Location = def
		}
		return r
	}
	r := RecordID(len(t.records))
	t.records = append(t.records, Record{
		Routine:  id,
		Location: def,
	})
	t.byRoutine[id] = r
	return r
}

func (t *Tree) newNode(parent NodeID, id routine.ID, site, def routine.Location) (NodeID, error) {
	if t.MaxNodes > 0 && len(t.nodes) >= t.MaxNodes {
		return None, ErrTooManyNodes
	}
	return t.addNode(parent, id, site, def), nil
}

func (t *Tree) addNode(parent NodeID, id routine.ID, site, def routine.Location) NodeID {
	r := t.define(id, def)
	n := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, Node{
		Routine:  id,
		Record:   r,
		Parent:   parent,
		Location: site,
	})
	t.records[r].nodes = append(t.records[r].nodes, n)
	if parent != None {
		t.link(parent, n)
	}
	return n
}

func (t *Tree) link(parent, child NodeID) {
	p := &t.nodes[parent]
	if p.children == nil {
		p.children = make(map[routine.ID]NodeID)
	}
	p.children[t.nodes[child].Routine] = child
	p.order = append(p.order, child)
}

// NewRoot creates the first node of an empty tree.
func (t *Tree) NewRoot(id routine.ID, def routine.Location) (NodeID, error) {
	n, err := t.newNode(None, id, routine.Location{}, def)
	if err != nil {
		return None, err
	}
	t.Root = n
	return n, nil
}

// GetOrCreateChild returns the child of parent for the callee, creating it
// and registering it with the callee's record the first time the edge is
// seen. site is where the call happened, def where the callee is defined.
func (t *Tree) GetOrCreateChild(parent NodeID, callee routine.ID, site, def routine.Location) (NodeID, error) {
	if c := t.Child(parent, callee); c != None {
		return c, nil
	}
	return t.newNode(parent, callee, site, def)
}

// Reroot inserts a new root above the current one. The new root inherits the
// total and wait time already recorded below it, so that it never reports
// less than its child.
func (t *Tree) Reroot(id routine.ID, def routine.Location, synthetic bool) (NodeID, error) {
	if t.Empty() {
		n, err := t.NewRoot(id, def)
		if err == nil {
			t.nodes[n].Synthetic = synthetic
		}
		return n, err
	}
	old := t.Root
	// Every node of the tree ends up below the new root, so a routine that
	// already has nodes now calls itself.
	var counted float64
	r, recursive := t.byRoutine[id]
	recursive = recursive && len(t.records[r].nodes) > 0
	if recursive {
		counted = t.records[r].Measurement.TotalTime
	}
	n, err := t.newNode(None, id, routine.Location{}, def)
	if err != nil {
		return None, err
	}
	t.nodes[n].Synthetic = synthetic
	t.nodes[old].Parent = n
	t.link(n, old)

	inherited := measure.Measurement{
		TotalTime: t.nodes[old].Measurement.TotalTime,
		WaitTime:  t.nodes[old].Measurement.WaitTime,
	}
	t.nodes[n].Measurement.Add(inherited)

	rec := &t.records[t.nodes[n].Record]
	if recursive {
		rec.Recursive = true
		// The record already counted its own activations below the old
		// root, only the rest of the adopted time is new to it.
		inherited.TotalTime = math.Max(inherited.TotalTime-counted, 0)
	}
	rec.Measurement.Add(inherited)
	t.Root = n
	return n, nil
}

// Enter records the start of an activation of the node.
func (t *Tree) Enter(id NodeID) {
	n := &t.nodes[id]
	n.visits++
	n.Measurement.CallCount++

	r := &t.records[n.Record]
	r.visits++
	r.Measurement.CallCount++
	if r.visits > 1 {
		r.Recursive = true
	}
}

// Exit records the end of an activation of the node. Self and wait time are
// always added; total time only when the outermost activation of the node,
// and separately of its record, completes, so recursion is not counted twice.
func (t *Tree) Exit(id NodeID, self, wait, total float64) {
	n := &t.nodes[id]
	n.Measurement.SelfTime += self
	n.Measurement.WaitTime += wait
	if n.visits <= 1 {
		n.Measurement.TotalTime += total
	}
	if n.visits > 0 {
		n.visits--
	}

	r := &t.records[n.Record]
	r.Measurement.SelfTime += self
	r.Measurement.WaitTime += wait
	if r.visits <= 1 {
		r.Measurement.TotalTime += total
	}
	if r.visits > 0 {
		r.visits--
	}
}

// Path returns the routines from the root down to the node.
func (t *Tree) Path(id NodeID) []routine.ID {
	var path []routine.ID
	for n := id; n != None; n = t.nodes[n].Parent {
		path = append(path, t.nodes[n].Routine)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Walk visits the subtree below id depth first, parents before children.
// Returning false from fn skips the children of that node.
func (t *Tree) Walk(id NodeID, fn func(NodeID, int) bool) {
	if id == None {
		return
	}
	t.walk(id, 0, fn)
}

func (t *Tree) walk(id NodeID, depth int, fn func(NodeID, int) bool) {
	if !fn(id, depth) {
		return
	}
	for _, c := range t.nodes[id].order {
		t.walk(c, depth+1, fn)
	}
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		Root:      t.Root,
		MaxNodes:  t.MaxNodes,
		nodes:     make([]Node, len(t.nodes)),
		records:   make([]Record, len(t.records)),
		byRoutine: make(map[routine.ID]RecordID, len(t.byRoutine)),
	}
	for i, n := range t.nodes {
		if n.children != nil {
			children := make(map[routine.ID]NodeID, len(n.children))
			for k, v := range n.children {
				children[k] = v
			}
			n.children = children
		}
		n.order = append([]NodeID(nil), n.order...)
		c.nodes[i] = n
	}
	for i, r := range t.records {
		r.nodes = append([]NodeID(nil), r.nodes...)
		if r.allocations != nil {
			allocations := make(map[AllocationSite]*Allocation, len(r.allocations))
			for k, v := range r.allocations {
				a := *v
				allocations[k] = &a
			}
			r.allocations = allocations
		}
		c.records[i] = r
	}
	for k, v := range t.byRoutine {
		c.byRoutine[k] = v
	}
	return c
}
