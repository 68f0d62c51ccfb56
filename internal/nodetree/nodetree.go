// Package nodetree builds the nested report of a call tree.
package nodetree

import (
	"sort"

	"github.com/getsentry/callprof/internal/calltree"
)

type (
	Node struct {
		Fingerprint uint64  `json:"fingerprint"`
		Name        string  `json:"name"`
		Scope       string  `json:"scope,omitempty"`
		Path        string  `json:"path,omitempty"`
		Line        int     `json:"line,omitempty"`
		CallLine    int     `json:"call_line,omitempty"`
		TotalTime   float64 `json:"total_time"`
		SelfTime    float64 `json:"self_time"`
		WaitTime    float64 `json:"wait_time,omitempty"`
		CallCount   uint64  `json:"call_count"`
		Recursive   bool    `json:"recursive,omitempty"`
		Synthetic   bool    `json:"synthetic,omitempty"`
		Children    []*Node `json:"children,omitempty"`
	}

	CallTreeFunction struct {
		Fingerprint uint64    `json:"fingerprint"`
		Function    string    `json:"function"`
		Scope       string    `json:"scope"`
		SelfTimes   []float64 `json:"self_times"`
		SumSelfTime float64   `json:"sum_self_time"`
		CallCount   uint64    `json:"call_count"`
	}
)

// FromTree returns the report of the whole tree, or nil if it is empty.
// Children are sorted by total time, longest first. Synthetic nodes never
// report self time.
func FromTree(tree *calltree.Tree) *Node {
	if tree.Empty() {
		return nil
	}
	return fromNode(tree, tree.Root)
}

func fromNode(tree *calltree.Tree, id calltree.NodeID) *Node {
	cn := tree.Node(id)
	rec := tree.RecordOf(id)
	n := &Node{
		Fingerprint: cn.Routine.Fingerprint(),
		Name:        cn.Routine.Name,
		Scope:       cn.Routine.Scope,
		Path:        rec.Location.File,
		Line:        rec.Location.Line,
		CallLine:    cn.Location.Line,
		TotalTime:   cn.Measurement.TotalTime,
		SelfTime:    cn.Measurement.SelfTime,
		WaitTime:    cn.Measurement.WaitTime,
		CallCount:   cn.Measurement.CallCount,
		Recursive:   rec.Recursive,
		Synthetic:   cn.Synthetic,
	}
	if n.Synthetic {
		n.SelfTime = 0
	}
	children := tree.Children(id)
	if len(children) > 0 {
		n.Children = make([]*Node, 0, len(children))
		for _, c := range children {
			n.Children = append(n.Children, fromNode(tree, c))
		}
		sort.SliceStable(n.Children, func(i, j int) bool {
			return n.Children[i].TotalTime > n.Children[j].TotalTime
		})
	}
	return n
}

// Collapse removes synthetic nodes, returning their children in their
// place.
func (n Node) Collapse() []*Node {
	children := make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		children = append(children, child.Collapse()...)
	}
	n.Children = children
	if len(n.Children) == 0 {
		n.Children = nil
	}
	if n.Synthetic {
		return n.Children
	}
	return []*Node{&n}
}

// CollectFunctions adds the self time of every node below n to the
// function of its routine.
func (n *Node) CollectFunctions(results map[uint64]CallTreeFunction) {
	if !n.Synthetic {
		f, ok := results[n.Fingerprint]
		if !ok {
			f = CallTreeFunction{
				Fingerprint: n.Fingerprint,
				Function:    n.Name,
				Scope:       n.Scope,
			}
		}
		f.SelfTimes = append(f.SelfTimes, n.SelfTime)
		f.SumSelfTime += n.SelfTime
		f.CallCount += n.CallCount
		results[n.Fingerprint] = f
	}
	for _, c := range n.Children {
		c.CollectFunctions(results)
	}
}

// Functions returns the functions of the tree, slowest first.
func Functions(n *Node) []CallTreeFunction {
	if n == nil {
		return nil
	}
	results := make(map[uint64]CallTreeFunction)
	n.CollectFunctions(results)
	functions := make([]CallTreeFunction, 0, len(results))
	for _, f := range results {
		functions = append(functions, f)
	}
	sort.Slice(functions, func(i, j int) bool {
		if functions[i].SumSelfTime != functions[j].SumSelfTime {
			return functions[i].SumSelfTime > functions[j].SumSelfTime
		}
		return functions[i].Fingerprint < functions[j].Fingerprint
	})
	return functions
}
