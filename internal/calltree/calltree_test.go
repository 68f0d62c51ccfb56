package calltree

import (
	"errors"
	"strings"
	"testing"

	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/routine"
	"github.com/getsentry/callprof/internal/stack"
	"github.com/getsentry/callprof/internal/testutil"
)

type step struct {
	routine string
	at      float64
}

func enter(name string, at float64) step {
	return step{routine: name, at: at}
}

func exit(at float64) step {
	return step{at: at}
}

func id(name string) routine.ID {
	return routine.ID{Scope: "app", Name: name}
}

// build replays steps into a new tree the way a recorder would, with a
// second top-level entry of the root routine reusing the root.
func build(t *testing.T, steps ...step) *Tree {
	t.Helper()
	tree := New()
	s := stack.New(8)
	for _, st := range steps {
		if st.routine == "" {
			r, ok := s.Pop(st.at)
			if !ok {
				t.Fatalf("exit at %v without a frame", st.at)
			}
			tree.Exit(NodeID(r.Node), r.SelfTime, r.WaitTime, r.TotalTime)
			continue
		}
		var (
			n   NodeID
			err error
		)
		switch f := s.Peek(); {
		case f != nil:
			n, err = tree.GetOrCreateChild(NodeID(f.Node), id(st.routine), routine.Location{}, routine.Location{})
		case tree.Empty():
			n, err = tree.NewRoot(id(st.routine), routine.Location{})
		case tree.Node(tree.Root).Routine == id(st.routine):
			n = tree.Root
		default:
			t.Fatalf("second root %q", st.routine)
		}
		if err != nil {
			t.Fatalf("entering %q: %v", st.routine, err)
		}
		tree.Enter(n)
		s.Push(int32(n), st.at, false)
	}
	return tree
}

func flatten(tree *Tree) map[string]measure.Measurement {
	m := make(map[string]measure.Measurement)
	tree.Walk(tree.Root, func(n NodeID, _ int) bool {
		var parts []string
		for _, r := range tree.Path(n) {
			parts = append(parts, r.Name)
		}
		m[strings.Join(parts, "/")] = tree.Node(n).Measurement
		return true
	})
	return m
}

func records(tree *Tree) map[string]measure.Measurement {
	m := make(map[string]measure.Measurement)
	for i := 0; i < tree.Records(); i++ {
		r := tree.Record(RecordID(i))
		m[r.Routine.Name] = r.Measurement
	}
	return m
}

func TestNestedCalls(t *testing.T) {
	tree := build(t,
		enter("F", 0),
		enter("G", 1),
		exit(3),
		exit(10),
	)
	want := map[string]measure.Measurement{
		"F":   {TotalTime: 10, SelfTime: 8, CallCount: 1},
		"F/G": {TotalTime: 2, SelfTime: 2, CallCount: 1},
	}
	if diff := testutil.Diff(flatten(tree), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestRecursion(t *testing.T) {
	tree := build(t,
		enter("A", 0),
		enter("A", 1),
		exit(4),
		exit(6),
	)
	r, ok := tree.Lookup(id("A"))
	if !ok {
		t.Fatal("no record for A")
	}
	rec := tree.Record(r)
	if !rec.Recursive {
		t.Fatal("expected A to be recursive")
	}
	want := measure.Measurement{TotalTime: 6, SelfTime: 6, CallCount: 2}
	if diff := testutil.Diff(rec.Measurement, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if got := len(rec.Nodes()); got != 2 {
		t.Fatalf("expected 2 nodes for A, got %d", got)
	}
	if rec.Visits() != 0 {
		t.Fatalf("expected no open visits, got %d", rec.Visits())
	}
}

func TestRecursionThroughAnotherRoutine(t *testing.T) {
	tree := build(t,
		enter("A", 0),
		enter("B", 1),
		enter("A", 2),
		exit(5),
		exit(7),
		exit(8),
	)
	got := records(tree)
	want := map[string]measure.Measurement{
		"A": {TotalTime: 8, SelfTime: 5, CallCount: 2},
		"B": {TotalTime: 6, SelfTime: 3, CallCount: 1},
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if r, _ := tree.Lookup(id("B")); tree.Record(r).Recursive {
		t.Fatal("B is not recursive")
	}
}

func TestChildrenSelfTimeWithinTotal(t *testing.T) {
	tree := build(t,
		enter("main", 0),
		enter("parse", 1),
		enter("lex", 1.5),
		exit(2),
		enter("lex", 2.25),
		exit(3),
		exit(4),
		enter("eval", 4),
		enter("eval", 5),
		exit(7),
		exit(9),
		exit(12),
	)
	tree.Walk(tree.Root, func(n NodeID, _ int) bool {
		m := tree.Node(n).Measurement
		sum := m.SelfTime
		for _, c := range tree.Children(n) {
			sum += tree.Node(c).Measurement.SelfTime
		}
		if sum > m.TotalTime+1e-9 {
			t.Errorf("%v: self time of node and children %v exceeds total %v", tree.Path(n), sum, m.TotalTime)
		}
		return true
	})
}

func TestRecordIsSumOfNodes(t *testing.T) {
	tree := build(t,
		enter("main", 0),
		enter("a", 1),
		enter("log", 2),
		exit(3),
		exit(4),
		enter("b", 5),
		enter("log", 6),
		exit(8),
		exit(9),
		exit(10),
	)
	for i := 0; i < tree.Records(); i++ {
		r := tree.Record(RecordID(i))
		var sum measure.Measurement
		for _, n := range r.Nodes() {
			sum.Add(tree.Node(n).Measurement)
		}
		if diff := testutil.Diff(r.Measurement, sum); diff != "" {
			t.Errorf("%v: Result mismatch: got - want +\n%s", r.Routine, diff)
		}
	}
	r, _ := tree.Lookup(id("log"))
	if got := len(tree.Record(r).Nodes()); got != 2 {
		t.Fatalf("expected log to own 2 nodes, got %d", got)
	}
}

func TestChildOrder(t *testing.T) {
	tree := build(t,
		enter("main", 0),
		enter("c", 1),
		exit(2),
		enter("a", 2),
		exit(3),
		enter("c", 3),
		exit(4),
		enter("b", 4),
		exit(5),
		exit(6),
	)
	var got []string
	for _, c := range tree.Children(tree.Root) {
		got = append(got, tree.Node(c).Routine.Name)
	}
	if diff := testutil.Diff(got, []string{"c", "a", "b"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestReroot(t *testing.T) {
	tree := build(t,
		enter("F", 0),
		exit(10),
	)
	tree.Node(tree.Root).Measurement.WaitTime = 1
	old := tree.Root

	n, err := tree.Reroot(routine.InsertedParent, routine.Location{}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Root != n || tree.Node(old).Parent != n {
		t.Fatal("expected the new node to become the parent of the old root")
	}
	if !tree.Node(n).Synthetic {
		t.Fatal("expected the new root to be synthetic")
	}
	want := measure.Measurement{TotalTime: 10, WaitTime: 1}
	if diff := testutil.Diff(tree.Node(n).Measurement, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(tree.RecordOf(n).Measurement, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if tree.Child(n, id("F")) != old {
		t.Fatal("expected the old root to be a child of the new root")
	}
}

func TestMaxNodes(t *testing.T) {
	tree := New()
	tree.MaxNodes = 2
	root, err := tree.NewRoot(id("main"), routine.Location{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tree.GetOrCreateChild(root, id("a"), routine.Location{}, routine.Location{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tree.GetOrCreateChild(root, id("a"), routine.Location{}, routine.Location{}); err != nil {
		t.Fatalf("existing child should not count against the limit: %v", err)
	}
	_, err = tree.GetOrCreateChild(root, id("b"), routine.Location{}, routine.Location{})
	if !errors.Is(err, errorutil.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if tree.Len() != 2 {
		t.Fatalf("expected 2 nodes, got %d", tree.Len())
	}
}

func TestMergeTrees(t *testing.T) {
	a := build(t,
		enter("main", 0),
		enter("a", 1),
		exit(3),
		exit(4),
	)
	b := build(t,
		enter("main", 0),
		enter("a", 1),
		exit(2),
		enter("b", 2),
		exit(5),
		exit(6),
	)
	before := b.Export()
	if err := MergeTrees(a, b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]measure.Measurement{
		"main":   {TotalTime: 10, SelfTime: 4, CallCount: 2},
		"main/a": {TotalTime: 3, SelfTime: 3, CallCount: 2},
		"main/b": {TotalTime: 3, SelfTime: 3, CallCount: 1},
	}
	if diff := testutil.Diff(flatten(a), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(records(a), map[string]measure.Measurement{
		"main": want["main"],
		"a":    want["main/a"],
		"b":    want["main/b"],
	}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(b.Export(), before); diff != "" {
		t.Fatalf("source was modified: got - want +\n%s", diff)
	}
	r, _ := a.Lookup(id("b"))
	if nodes := a.Record(r).Nodes(); len(nodes) != 1 || a.Node(nodes[0]).Parent != a.Root {
		t.Fatalf("expected b to be registered with its record, got %v", nodes)
	}
}

func TestMergeIntoEmptyTree(t *testing.T) {
	src := build(t,
		enter("main", 0),
		enter("a", 1),
		exit(3),
		exit(4),
	)
	dst := New()
	if err := MergeTrees(dst, src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := testutil.Diff(dst.Export(), src.Export()); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestMergeIncompatible(t *testing.T) {
	a := build(t, enter("main", 0), enter("a", 1), exit(2), exit(3))
	b := build(t, enter("other", 0), exit(1))
	before := a.Export()

	tests := []struct {
		name     string
		dstNode  NodeID
		src      *Tree
		srcNode  NodeID
		wantFail bool
	}{
		{
			name:     "different routines",
			dstNode:  a.Root,
			src:      b,
			srcNode:  b.Root,
			wantFail: true,
		},
		{
			name:     "only one side has a parent",
			dstNode:  a.Child(a.Root, id("a")),
			src:      build(t, enter("a", 0), exit(1)),
			srcNode:  0,
			wantFail: true,
		},
		{
			name:     "different parents",
			dstNode:  a.Child(a.Root, id("a")),
			src:      build(t, enter("x", 0), enter("a", 1), exit(2), exit(3)),
			srcNode:  1,
			wantFail: true,
		},
		{
			name:     "missing node",
			dstNode:  None,
			src:      b,
			srcNode:  b.Root,
			wantFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Merge(a, tt.dstNode, tt.src, tt.srcNode)
			if !errors.Is(err, errorutil.ErrMergeIncompatible) {
				t.Fatalf("expected ErrMergeIncompatible, got %v", err)
			}
			if diff := testutil.Diff(a.Export(), before); diff != "" {
				t.Fatalf("destination was modified: got - want +\n%s", diff)
			}
		})
	}
}

func TestMergeSubtree(t *testing.T) {
	a := build(t, enter("main", 0), enter("a", 1), exit(2), exit(3))
	b := build(t, enter("main", 0), enter("a", 1), enter("c", 2), exit(4), exit(5), exit(6))
	if err := Merge(a, a.Child(a.Root, id("a")), b, b.Child(b.Root, id("a"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]measure.Measurement{
		"main":     {TotalTime: 3, SelfTime: 2, CallCount: 1},
		"main/a":   {TotalTime: 5, SelfTime: 3, CallCount: 2},
		"main/a/c": {TotalTime: 2, SelfTime: 2, CallCount: 1},
	}
	if diff := testutil.Diff(flatten(a), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestMergeAssociativity(t *testing.T) {
	a := build(t,
		enter("main", 0),
		enter("a", 0.1),
		exit(0.3),
		exit(0.7),
	)
	b := build(t,
		enter("main", 0),
		enter("b", 0.2),
		enter("a", 0.3),
		exit(0.9),
		exit(1.1),
		exit(1.3),
	)
	c := build(t,
		enter("main", 0),
		enter("a", 0.1),
		enter("b", 0.2),
		exit(0.5),
		exit(0.6),
		enter("main", 0.6),
		exit(0.65),
		exit(0.7),
	)

	left := a.Clone()
	if err := MergeTrees(left, b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := MergeTrees(left, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bc := b.Clone()
	if err := MergeTrees(bc, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	right := a.Clone()
	if err := MergeTrees(right, bc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := testutil.ApproxDiff(flatten(left), flatten(right)); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.ApproxDiff(records(left), records(right)); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	r, _ := left.Lookup(id("main"))
	if !left.Record(r).Recursive {
		t.Fatal("expected the recursion flag to survive the merge")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tree := build(t, enter("main", 0), enter("a", 1), exit(2), exit(3))
	r, _ := tree.Lookup(id("a"))
	tree.Allocate(r, AllocationSite{Scope: "app", Line: 3}, 8)
	before := tree.Export()

	c := tree.Clone()
	if _, err := c.GetOrCreateChild(c.Root, id("b"), routine.Location{}, routine.Location{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Node(c.Root).Measurement.SelfTime = 100
	c.Allocate(r, AllocationSite{Scope: "app", Line: 3}, 8)

	if diff := testutil.Diff(tree.Export(), before); diff != "" {
		t.Fatalf("original was modified: got - want +\n%s", diff)
	}
}

func TestAllocations(t *testing.T) {
	tree := build(t, enter("main", 0), exit(1))
	r, _ := tree.Lookup(id("main"))
	tree.Allocate(r, AllocationSite{Scope: "String", Line: 12}, 40)
	tree.Allocate(r, AllocationSite{Scope: "Array", Line: 14}, 16)
	tree.Allocate(r, AllocationSite{Scope: "String", Line: 12}, 24)
	tree.Allocate(r, AllocationSite{Scope: "String", Line: 3}, 8)

	want := []Allocation{
		{Site: AllocationSite{Scope: "Array", Line: 14}, Count: 1, Bytes: 16},
		{Site: AllocationSite{Scope: "String", Line: 3}, Count: 1, Bytes: 8},
		{Site: AllocationSite{Scope: "String", Line: 12}, Count: 2, Bytes: 64},
	}
	if diff := testutil.Diff(tree.Record(r).Allocations(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	other := build(t, enter("main", 0), exit(1))
	other.Allocate(0, AllocationSite{Scope: "Array", Line: 14}, 16)
	MergeRecords(tree, other)
	if got := tree.Record(r).Allocations()[0]; got.Count != 2 || got.Bytes != 32 {
		t.Fatalf("expected merged allocations, got %+v", got)
	}
}

func TestExportImport(t *testing.T) {
	tree := build(t,
		enter("main", 0),
		enter("a", 1),
		enter("a", 2),
		exit(3),
		exit(4),
		enter("b", 4),
		exit(5),
		exit(6),
	)
	if _, err := tree.Reroot(routine.InsertedParent, routine.Location{}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ := tree.Lookup(id("b"))
	tree.Allocate(r, AllocationSite{Scope: "Hash", Line: 9}, 64)

	d := tree.Export()
	loaded, err := Import(d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := testutil.Diff(loaded.Export(), d); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(flatten(loaded), flatten(tree)); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	a, _ := loaded.Lookup(id("a"))
	if !loaded.Record(a).Recursive || len(loaded.Record(a).Nodes()) != 2 {
		t.Fatal("expected the record of a to survive the round trip")
	}
	if loaded.Child(loaded.Root, id("main")) == None {
		t.Fatal("expected children to be indexed after import")
	}
}

func TestImportInvalid(t *testing.T) {
	valid := func() Dump {
		return build(t, enter("main", 0), enter("a", 1), exit(2), exit(3)).Export()
	}
	tests := []struct {
		name    string
		corrupt func(d *Dump)
	}{
		{
			name:    "root out of range",
			corrupt: func(d *Dump) { d.Root = 5 },
		},
		{
			name:    "parent out of range",
			corrupt: func(d *Dump) { d.Nodes[1].Parent = 9 },
		},
		{
			name:    "second root",
			corrupt: func(d *Dump) { d.Nodes[1].Parent = None },
		},
		{
			name:    "foreign child",
			corrupt: func(d *Dump) { d.Nodes[1].Children = []NodeID{0} },
		},
		{
			name:    "unreachable node",
			corrupt: func(d *Dump) { d.Nodes[0].Children = nil },
		},
		{
			name:    "node without record",
			corrupt: func(d *Dump) { d.Records = d.Records[:1] },
		},
		{
			name:    "record owning another routine",
			corrupt: func(d *Dump) { d.Records[0].Nodes = []NodeID{0, 1} },
		},
		{
			name: "duplicate record",
			corrupt: func(d *Dump) {
				d.Records[1].Routine = d.Records[0].Routine
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.corrupt(&d)
			if _, err := Import(d); !errors.Is(err, errorutil.ErrDataIntegrity) {
				t.Fatalf("expected ErrDataIntegrity, got %v", err)
			}
		})
	}
}
