package nodetree

import (
	"testing"

	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/routine"
	"github.com/getsentry/callprof/internal/testutil"
)

var (
	routineMain = routine.ID{Scope: "App", Name: "main"}
	routineFoo  = routine.ID{Scope: "App", Name: "foo"}
	routineBar  = routine.ID{Scope: "App", Name: "bar"}
)

type activation struct {
	routine routine.ID
	self    float64
	total   float64
}

// newTree builds main -> {foo, bar}, foo -> bar with the given timings.
func newTree(t *testing.T) *calltree.Tree {
	t.Helper()
	tree := calltree.New()
	root, err := tree.NewRoot(routineMain, routine.Location{File: "main.rb", Line: 1})
	if err != nil {
		t.Fatalf("couldn't create root: %v", err)
	}
	tree.Enter(root)
	call := func(parent calltree.NodeID, a activation) calltree.NodeID {
		n, err := tree.GetOrCreateChild(parent, a.routine, routine.Location{File: "main.rb", Line: 2}, routine.Location{File: "lib.rb", Line: 10})
		if err != nil {
			t.Fatalf("couldn't create child: %v", err)
		}
		tree.Enter(n)
		return n
	}
	foo := call(root, activation{routine: routineFoo})
	fooBar := call(foo, activation{routine: routineBar})
	tree.Exit(fooBar, 1, 0, 1)
	tree.Exit(foo, 2, 0, 3)
	bar := call(root, activation{routine: routineBar})
	tree.Exit(bar, 5, 0, 5)
	tree.Exit(root, 1, 0, 9)
	return tree
}

func TestFromTree(t *testing.T) {
	if n := FromTree(calltree.New()); n != nil {
		t.Fatalf("expected nil node for empty tree, got %v", n)
	}

	n := FromTree(newTree(t))
	var got []string
	var walk func(n *Node, prefix string)
	walk = func(n *Node, prefix string) {
		got = append(got, prefix+n.Name)
		for _, c := range n.Children {
			walk(c, prefix+n.Name+"/")
		}
	}
	walk(n, "")
	want := []string{"main", "main/bar", "main/foo", "main/foo/bar"}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if n.Fingerprint != routineMain.Fingerprint() {
		t.Fatalf("expected fingerprint %d, got %d", routineMain.Fingerprint(), n.Fingerprint)
	}
	if n.Children[0].Path != "lib.rb" || n.Children[0].Line != 10 || n.Children[0].CallLine != 2 {
		t.Fatalf("unexpected locations: %+v", n.Children[0])
	}
}

func TestCollapse(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want []*Node
	}{
		{
			name: "regular node is kept",
			node: Node{Name: "main", TotalTime: 1},
			want: []*Node{{Name: "main", TotalTime: 1}},
		},
		{
			name: "synthetic root is replaced by its children",
			node: Node{
				Name:      "_inserted_parent_",
				Synthetic: true,
				Children: []*Node{
					{Name: "foo", TotalTime: 1},
					{Name: "bar", TotalTime: 2},
				},
			},
			want: []*Node{
				{Name: "foo", TotalTime: 1},
				{Name: "bar", TotalTime: 2},
			},
		},
		{
			name: "nested synthetic nodes",
			node: Node{
				Name:      "_inserted_parent_",
				Synthetic: true,
				Children: []*Node{
					{
						Name:      "_inserted_parent_",
						Synthetic: true,
						Children:  []*Node{{Name: "foo"}},
					},
				},
			},
			want: []*Node{{Name: "foo"}},
		},
		{
			name: "synthetic leaf disappears",
			node: Node{Name: "_inserted_parent_", Synthetic: true},
			want: []*Node{},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := test.node.Collapse()
			if got == nil {
				got = []*Node{}
			}
			if diff := testutil.Diff(got, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestNodeTreeCollectFunctions(t *testing.T) {
	tests := []struct {
		name string
		node Node
		want map[uint64]CallTreeFunction
	}{
		{
			name: "single node",
			node: Node{Fingerprint: 1, Name: "foo", Scope: "App", SelfTime: 10, CallCount: 1},
			want: map[uint64]CallTreeFunction{
				1: {
					Fingerprint: 1,
					Function:    "foo",
					Scope:       "App",
					SelfTimes:   []float64{10},
					SumSelfTime: 10,
					CallCount:   1,
				},
			},
		},
		{
			name: "same routine twice",
			node: Node{
				Fingerprint: 1,
				Name:        "foo",
				SelfTime:    2,
				CallCount:   1,
				Children: []*Node{
					{Fingerprint: 2, Name: "bar", SelfTime: 3, CallCount: 2},
					{
						Fingerprint: 3,
						Name:        "baz",
						CallCount:   1,
						Children: []*Node{
							{Fingerprint: 2, Name: "bar", SelfTime: 4, CallCount: 1},
						},
					},
				},
			},
			want: map[uint64]CallTreeFunction{
				1: {Fingerprint: 1, Function: "foo", SelfTimes: []float64{2}, SumSelfTime: 2, CallCount: 1},
				2: {Fingerprint: 2, Function: "bar", SelfTimes: []float64{3, 4}, SumSelfTime: 7, CallCount: 3},
				3: {Fingerprint: 3, Function: "baz", SelfTimes: []float64{0}, CallCount: 1},
			},
		},
		{
			name: "synthetic node is skipped",
			node: Node{
				Fingerprint: 9,
				Name:        "_inserted_parent_",
				Synthetic:   true,
				CallCount:   1,
				Children: []*Node{
					{Fingerprint: 1, Name: "foo", SelfTime: 1, CallCount: 1},
				},
			},
			want: map[uint64]CallTreeFunction{
				1: {Fingerprint: 1, Function: "foo", SelfTimes: []float64{1}, SumSelfTime: 1, CallCount: 1},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			results := make(map[uint64]CallTreeFunction)
			test.node.CollectFunctions(results)
			if diff := testutil.Diff(results, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestFunctions(t *testing.T) {
	functions := Functions(FromTree(newTree(t)))
	var got []string
	for _, f := range functions {
		got = append(got, f.Function)
	}
	want := []string{"bar", "foo", "main"}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if functions[0].SumSelfTime != 6 || functions[0].CallCount != 2 {
		t.Fatalf("unexpected bar function: %+v", functions[0])
	}
}
