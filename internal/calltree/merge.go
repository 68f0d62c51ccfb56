package calltree

import (
	"fmt"

	"github.com/getsentry/callprof/internal/errorutil"
)

// Merge adds the subtree of src rooted at srcNode into the subtree of dst
// rooted at dstNode. Both nodes must be for the same routine and have
// parents that are both missing or for the same routine; otherwise nothing
// is merged and an error wrapping errorutil.ErrMergeIncompatible is
// returned. Children missing from dst are copied and registered with dst's
// records. src is left untouched.
//
// Only node measurements are merged; use MergeTrees to keep records in
// step.
func Merge(dst *Tree, dstNode NodeID, src *Tree, srcNode NodeID) error {
	if err := compatible(dst, dstNode, src, srcNode); err != nil {
		return err
	}
	if dst == src {
		src = src.Clone()
	}
	dst.mergeNode(dstNode, src, srcNode)
	return nil
}

// MergeTrees merges every node and record of src into dst.
func MergeTrees(dst, src *Tree) error {
	if src.Empty() {
		return nil
	}
	if dst == src {
		src = src.Clone()
	}
	if dst.Empty() {
		root := dst.copyNode(None, src, src.Root)
		dst.Root = root
		dst.mergeNode(root, src, src.Root)
	} else if err := Merge(dst, dst.Root, src, src.Root); err != nil {
		return err
	}
	MergeRecords(dst, src)
	return nil
}

// MergeRecords adds the measurements, recursion flags and allocations of
// src's records to dst's records, creating the ones dst lacks.
func MergeRecords(dst, src *Tree) {
	for i := range src.records {
		s := &src.records[i]
		r := &dst.records[dst.define(s.Routine, s.Location)]
		r.Measurement.Add(s.Measurement)
		r.Recursive = r.Recursive || s.Recursive
		for _, a := range s.allocations {
			r.addAllocation(*a)
		}
	}
}

func compatible(dst *Tree, dstNode NodeID, src *Tree, srcNode NodeID) error {
	if dstNode == None || srcNode == None {
		return fmt.Errorf("calltree: %w: missing node", errorutil.ErrMergeIncompatible)
	}
	d, s := &dst.nodes[dstNode], &src.nodes[srcNode]
	if d.Routine != s.Routine {
		return fmt.Errorf("calltree: %w: %v and %v are different routines", errorutil.ErrMergeIncompatible, d.Routine, s.Routine)
	}
	switch {
	case d.Parent == None && s.Parent == None:
		return nil
	case d.Parent == None || s.Parent == None:
		return fmt.Errorf("calltree: %w: only one of the %v nodes has a parent", errorutil.ErrMergeIncompatible, d.Routine)
	}
	if dp, sp := dst.nodes[d.Parent].Routine, src.nodes[s.Parent].Routine; dp != sp {
		return fmt.Errorf("calltree: %w: %v is called by %v and %v", errorutil.ErrMergeIncompatible, d.Routine, dp, sp)
	}
	return nil
}

func (t *Tree) mergeNode(id NodeID, src *Tree, srcID NodeID) {
	s := &src.nodes[srcID]
	t.nodes[id].Measurement.Add(s.Measurement)
	if t.nodes[id].Location.File == "" {
		t.nodes[id].Location = s.Location
	}
	for _, sc := range s.order {
		c := t.Child(id, src.nodes[sc].Routine)
		if c == None {
			c = t.copyNode(id, src, sc)
		}
		t.mergeNode(c, src, sc)
	}
}

// copyNode creates an empty node in t shaped like srcID, without children
// or measurement. Merges are not bounded by MaxNodes.
func (t *Tree) copyNode(parent NodeID, src *Tree, srcID NodeID) NodeID {
	s := &src.nodes[srcID]
	n := t.addNode(parent, s.Routine, s.Location, src.records[s.Record].Location)
	t.nodes[n].Synthetic = s.Synthetic
	return n
}
