package profiler

import (
	"sync"

	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/stack"
)

const (
	Unstarted State = iota
	Active
	Paused
	Stopped
)

type (
	ContextID string

	State int32

	// Context is one logical flow of execution: a thread, a fiber or a
	// coroutine. It owns its frame stack and call tree.
	Context struct {
		ID ContextID
		// Traced is false for contexts excluded by the context filter.
		// They still take part in context switches.
		Traced bool

		mu    sync.Mutex
		state State
		stack *stack.Stack
		tree  *calltree.Tree
	}
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func newContext(id ContextID, traced bool, maxNodes int) *Context {
	tree := calltree.New()
	tree.MaxNodes = maxNodes
	return &Context{
		ID:     id,
		Traced: traced,
		stack:  stack.New(64),
		tree:   tree,
	}
}

// NewContext returns a stopped context holding a call tree recorded
// earlier, to be handed to Restore.
func NewContext(id ContextID, tree *calltree.Tree) *Context {
	return &Context{
		ID:     id,
		Traced: true,
		state:  Stopped,
		stack:  stack.New(0),
		tree:   tree,
	}
}

// Tree returns the call tree of the context. It must not be used while
// events for the context are being handled.
func (c *Context) Tree() *calltree.Tree {
	return c.tree
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Depth returns the number of open frames.
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stack.Depth()
}

// Export returns the dump of the context's call tree.
func (c *Context) Export() calltree.Dump {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Export()
}
