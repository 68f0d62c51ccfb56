// Package profiler turns a stream of execution events into one call tree
// per execution context.
package profiler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/event"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/routine"
	"github.com/getsentry/callprof/internal/stack"
)

type (
	// Recorder dispatches events to their context. It is safe for
	// concurrent use; events of different contexts are handled in parallel
	// once their context is resolved.
	Recorder struct {
		cfg      Config
		source   measure.Source
		excluded map[routine.ID]struct{}
		include  map[ContextID]struct{}
		exclude  map[ContextID]struct{}

		state atomic.Int32

		// mu guards the context table and the current context. It is
		// always taken before a context lock.
		mu       sync.Mutex
		contexts map[ContextID]*Context
		order    []*Context
		current  *Context

		mismatchedExits         atomic.Uint64
		emptyExits              atomic.Uint64
		eventsAfterStop         atomic.Uint64
		ignoredEvents           atomic.Uint64
		unattributedAllocations atomic.Uint64
		insertedParents         atomic.Uint64
	}

	Diagnostics struct {
		// ClampedTimes counts frames whose computed time was negative.
		ClampedTimes uint64 `json:"clamped_times"`
		// MismatchedExits counts exits naming another routine than the
		// one on top of the stack.
		MismatchedExits uint64 `json:"mismatched_exits"`
		EmptyExits      uint64 `json:"empty_exits"`
		EventsAfterStop uint64 `json:"events_after_stop"`
		// IgnoredEvents counts events dropped because the recorder was not
		// started, their context is not traced or they are skipped while
		// paused.
		IgnoredEvents           uint64 `json:"ignored_events"`
		UnattributedAllocations uint64 `json:"unattributed_allocations"`
		InsertedParents         uint64 `json:"inserted_parents"`
	}
)

// New returns a recorder measuring with source. A nil source is created
// from the configured mode. A measure.Manual source follows the readings
// of the events handled.
func New(cfg Config, source measure.Source) (*Recorder, error) {
	if source == nil {
		var err error
		source, err = measure.New(cfg.MeasureMode)
		if err != nil {
			return nil, err
		}
	}
	return &Recorder{
		cfg:      cfg,
		source:   source,
		excluded: cfg.excludedRoutines(),
		include:  contextSet(cfg.IncludeContexts),
		exclude:  contextSet(cfg.ExcludeContexts),
		contexts: make(map[ContextID]*Context),
	}, nil
}

// Restore returns a stopped recorder holding contexts recorded earlier.
func Restore(cfg Config, contexts ...*Context) *Recorder {
	r := &Recorder{
		cfg:      cfg,
		excluded: cfg.excludedRoutines(),
		include:  contextSet(cfg.IncludeContexts),
		exclude:  contextSet(cfg.ExcludeContexts),
		contexts: make(map[ContextID]*Context, len(contexts)),
	}
	r.state.Store(int32(Stopped))
	for _, c := range contexts {
		r.contexts[c.ID] = c
		r.order = append(r.order, c)
	}
	return r
}

func (r *Recorder) Config() Config {
	return r.cfg
}

func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) read() float64 {
	if r.source == nil {
		return 0
	}
	return r.source.Read()
}

func (r *Recorder) reading(e event.Event) float64 {
	if e.Reading == nil {
		return r.read()
	}
	if m, ok := r.source.(*measure.Manual); ok {
		m.Set(*e.Reading)
	}
	return *e.Reading
}

// Start creates the root context and starts recording.
func (r *Recorder) Start() error {
	if !r.state.CompareAndSwap(int32(Unstarted), int32(Active)) {
		return fmt.Errorf("profiler: %w", errorutil.ErrAlreadyStarted)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = r.context(r.cfg.MainContext())
	return nil
}

// Pause stops the clock of every context until Resume. Pausing a paused
// recorder does nothing.
func (r *Recorder) Pause() error {
	return r.transition(Active, Paused, func(c *Context, reading float64) {
		c.stack.Pause(reading)
	})
}

func (r *Recorder) Resume() error {
	return r.transition(Paused, Active, func(c *Context, reading float64) {
		c.stack.Unpause(reading)
	})
}

func (r *Recorder) transition(from, to State, fn func(*Context, float64)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch State(r.state.Load()) {
	case to:
		return nil
	case from:
	default:
		return fmt.Errorf("profiler: %w", errorutil.ErrNotRunning)
	}
	r.state.Store(int32(to))
	reading := r.read()
	for _, c := range r.order {
		c.mu.Lock()
		c.state = to
		fn(c, reading)
		c.mu.Unlock()
	}
	return nil
}

// Stop returns every open frame of every context at the current reading.
// Events handled after Stop are discarded.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch State(r.state.Load()) {
	case Active, Paused:
	default:
		return fmt.Errorf("profiler: %w", errorutil.ErrNotRunning)
	}
	r.state.Store(int32(Stopped))
	reading := r.read()
	for _, c := range r.order {
		c.mu.Lock()
		c.stack.Unpause(reading)
		for {
			res, ok := c.stack.Pop(reading)
			if !ok {
				break
			}
			c.tree.Exit(calltree.NodeID(res.Node), res.SelfTime, res.WaitTime, res.TotalTime)
		}
		c.state = Stopped
		c.mu.Unlock()
	}
	return nil
}

// Handle records one event. Anomalies in the stream are counted in the
// diagnostics and never returned; the only error is running out of the
// configured depth or node budget, after which the context's data can't be
// trusted.
func (r *Recorder) Handle(e event.Event) error {
	switch State(r.state.Load()) {
	case Unstarted:
		r.ignoredEvents.Add(1)
		return nil
	case Stopped:
		r.eventsAfterStop.Add(1)
		return nil
	}
	reading := r.reading(e)
	c := r.resolve(ContextID(e.Context), reading)
	if e.Kind == event.ContextSwitch {
		return nil
	}
	if !c.Traced {
		r.ignoredEvents.Add(1)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Stopped:
		r.eventsAfterStop.Add(1)
		return nil
	case Unstarted:
		r.ignoredEvents.Add(1)
		return nil
	}
	paused := c.state == Paused

	switch e.Kind {
	case event.Enter:
		return r.enter(c, e, reading, paused)
	case event.Exit:
		r.exit(c, e, reading, paused)
	case event.Line:
		if paused {
			r.ignoredEvents.Add(1)
			return nil
		}
		return r.line(c, e, reading)
	case event.Allocate:
		if paused || !r.cfg.TrackAllocations {
			r.ignoredEvents.Add(1)
			return nil
		}
		r.allocate(c, e)
	default:
		r.ignoredEvents.Add(1)
	}
	return nil
}

// resolve returns the context of an event and makes it current. An empty
// id is the current context.
func (r *Recorder) resolve(id ContextID, reading float64) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		if r.current != nil {
			return r.current
		}
		id = r.cfg.MainContext()
	}
	if r.current != nil && r.current.ID == id {
		return r.current
	}
	c := r.context(id)
	r.switchTo(c, reading)
	return c
}

// context returns the context for id, creating it on first sight. r.mu
// must be held.
func (r *Recorder) context(id ContextID) *Context {
	if c, ok := r.contexts[id]; ok {
		return c
	}
	c := newContext(id, r.traced(id), r.cfg.MaxNodes)
	c.state = State(r.state.Load())
	r.contexts[id] = c
	r.order = append(r.order, c)
	return c
}

func (r *Recorder) traced(id ContextID) bool {
	if len(r.include) > 0 {
		_, ok := r.include[id]
		return ok
	}
	_, excluded := r.exclude[id]
	return !excluded
}

// switchTo makes c current. The time the outgoing context spends switched
// out is charged as wait time to its top frame once it runs again. r.mu
// must be held.
func (r *Recorder) switchTo(c *Context, reading float64) {
	if prev := r.current; prev != nil {
		prev.mu.Lock()
		if f := prev.stack.Peek(); f != nil {
			f.SwitchOut(reading)
		}
		prev.mu.Unlock()
	}
	c.mu.Lock()
	if f := c.stack.Peek(); f != nil {
		f.SwitchIn(reading)
	}
	c.mu.Unlock()
	r.current = c
}

func (r *Recorder) isExcluded(id routine.ID) bool {
	_, ok := r.excluded[id]
	return ok
}

func (r *Recorder) enter(c *Context, e event.Event, reading float64, paused bool) error {
	if r.isExcluded(e.Routine) {
		return nil
	}
	if r.cfg.MaxDepth > 0 && c.stack.Depth() >= r.cfg.MaxDepth {
		return fmt.Errorf("profiler: context %q: %w: stack deeper than %d", c.ID, errorutil.ErrResourceExhausted, r.cfg.MaxDepth)
	}

	var (
		node calltree.NodeID
		err  error
	)
	switch top := c.stack.Peek(); {
	case top != nil:
		node, err = c.tree.GetOrCreateChild(calltree.NodeID(top.Node), e.Routine, top.Location, e.Definition)
	case c.tree.Empty():
		node, err = c.tree.NewRoot(e.Routine, e.Definition)
	default:
		// Execution returned above the first recorded frame: put a
		// placeholder above the tree so the entry still has a parent.
		var parent calltree.NodeID
		parent, err = r.insertParent(c, routine.InsertedParent, routine.Location{}, reading, true)
		if err == nil {
			node, err = c.tree.GetOrCreateChild(parent, e.Routine, routine.Location{}, e.Definition)
		}
	}
	if err != nil {
		return fmt.Errorf("profiler: context %q: %w", c.ID, err)
	}

	c.tree.Enter(node)
	f := c.stack.Push(int32(node), reading, paused)
	f.Location = e.Definition
	return nil
}

// insertParent reroots the tree of c under a new node for id and opens a
// frame for it below every other frame.
func (r *Recorder) insertParent(c *Context, id routine.ID, def routine.Location, reading float64, synthetic bool) (calltree.NodeID, error) {
	n, err := c.tree.Reroot(id, def, synthetic)
	if err != nil {
		return calltree.None, err
	}
	r.insertedParents.Add(1)
	log.Debug().
		Str("context", string(c.ID)).
		Str("routine", id.String()).
		Msg("inserted a parent above the call tree")
	c.tree.Enter(n)
	c.stack.Unshift(int32(n), reading)
	return n, nil
}

func (r *Recorder) exit(c *Context, e event.Event, reading float64, paused bool) {
	if r.isExcluded(e.Routine) {
		return
	}
	res, ok := c.stack.Pop(reading)
	if !ok {
		r.emptyExits.Add(1)
		return
	}
	node := calltree.NodeID(res.Node)
	if got := c.tree.Node(node).Routine; !e.Routine.IsZero() && got != e.Routine {
		r.mismatchedExits.Add(1)
		log.Debug().
			Str("context", string(c.ID)).
			Str("exit", e.Routine.String()).
			Str("top", got.String()).
			Msg("exit does not match the top frame")
	}
	c.tree.Exit(node, res.SelfTime, res.WaitTime, res.TotalTime)
	if paused {
		c.stack.Pause(reading)
	}
}

func (r *Recorder) line(c *Context, e event.Event, reading float64) error {
	f := c.stack.Peek()
	if f == nil {
		if e.Routine.IsZero() || r.isExcluded(e.Routine) {
			r.ignoredEvents.Add(1)
			return nil
		}
		if c.tree.Empty() {
			n, err := c.tree.NewRoot(e.Routine, e.Definition)
			if err != nil {
				return fmt.Errorf("profiler: context %q: %w", c.ID, err)
			}
			c.tree.Enter(n)
			c.stack.Push(int32(n), reading, false)
		} else if _, err := r.insertParent(c, e.Routine, e.Definition, reading, false); err != nil {
			return fmt.Errorf("profiler: context %q: %w", c.ID, err)
		}
		f = c.stack.Peek()
	}
	f.Location = e.Location
	return nil
}

// allocate charges an allocation to the innermost open routine whose
// definition lexically contains it, which is not necessarily the routine
// on top of the stack.
func (r *Recorder) allocate(c *Context, e event.Event) {
	f := c.stack.Find(func(f *stack.Frame) bool {
		return c.tree.RecordOf(calltree.NodeID(f.Node)).Location.Covers(e.Location.File, e.Location.Line)
	})
	if f == nil {
		r.unattributedAllocations.Add(1)
		return
	}
	site := e.Site
	if site.Line == 0 {
		site.Line = e.Location.Line
	}
	c.tree.Allocate(c.tree.Node(calltree.NodeID(f.Node)).Record, site, e.Size)
}

// Contexts returns the traced contexts that recorded something, in the
// order they were first seen.
func (r *Recorder) Contexts() []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	contexts := make([]*Context, 0, len(r.order))
	for _, c := range r.order {
		if c.Traced && !c.tree.Empty() {
			contexts = append(contexts, c)
		}
	}
	return contexts
}

// Context returns the context for id, if it was seen.
func (r *Recorder) Context(id ContextID) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[id]
	return c, ok
}

func (r *Recorder) Diagnostics() Diagnostics {
	d := Diagnostics{
		MismatchedExits:         r.mismatchedExits.Load(),
		EmptyExits:              r.emptyExits.Load(),
		EventsAfterStop:         r.eventsAfterStop.Load(),
		IgnoredEvents:           r.ignoredEvents.Load(),
		UnattributedAllocations: r.unattributedAllocations.Load(),
		InsertedParents:         r.insertedParents.Load(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.order {
		c.mu.Lock()
		d.ClampedTimes += c.stack.Clamped
		c.mu.Unlock()
	}
	return d
}

// Merge folds the call tree of src into the one of dst. Both contexts must
// be idle, which is the case once the recorder is stopped.
func (r *Recorder) Merge(dst, src ContextID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.contexts[dst]
	if !ok {
		return fmt.Errorf("profiler: unknown context %q", dst)
	}
	s, ok := r.contexts[src]
	if !ok {
		return fmt.Errorf("profiler: unknown context %q", src)
	}
	if d == s {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return calltree.MergeTrees(d.tree, s.tree)
}

// Aggregate merges the call trees of every context into as few trees as
// possible: contexts whose roots are for the same routine end up in the same
// tree. The recorder is left untouched.
func (r *Recorder) Aggregate() ([]*calltree.Tree, error) {
	var trees []*calltree.Tree
	for _, c := range r.Contexts() {
		c.mu.Lock()
		merged := false
		for _, t := range trees {
			err := calltree.MergeTrees(t, c.tree)
			if err == nil {
				merged = true
				break
			}
			if !errors.Is(err, errorutil.ErrMergeIncompatible) {
				c.mu.Unlock()
				return nil, err
			}
		}
		if !merged {
			trees = append(trees, c.tree.Clone())
		}
		c.mu.Unlock()
	}
	return trees, nil
}
