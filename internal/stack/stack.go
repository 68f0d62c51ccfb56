// Package stack holds the per-context stack of active frames and the time
// accounting done on push, pop, pause and unpause.
package stack

import (
	"github.com/getsentry/callprof/internal/routine"
)

// notPaused marks a frame that is not paused.
const notPaused = -1.0

type (
	// Frame is one active invocation. Node is an opaque handle into the
	// call tree the frame was entered for, so the stack does not depend on
	// the tree.
	Frame struct {
		Node      int32
		Start     float64
		ChildTime float64
		WaitTime  float64
		DeadTime  float64
		Location  routine.Location

		pauseStart float64
		switchOut  float64
		switched   bool
	}

	// Result is what a popped frame contributes to its node and record.
	Result struct {
		Node      int32
		TotalTime float64
		SelfTime  float64
		WaitTime  float64
		DeadTime  float64
	}

	// Stack is not safe for concurrent use; each context owns one.
	Stack struct {
		frames []Frame
		// Clamped counts pops whose computed time was negative.
		Clamped uint64
	}
)

func New(capacity int) *Stack {
	return &Stack{frames: make([]Frame, 0, capacity)}
}

func (f *Frame) IsPaused() bool {
	return f.pauseStart != notPaused
}

// Pause marks the frame paused at reading. Pausing a paused frame is a no-op.
func (f *Frame) Pause(reading float64) {
	if f.IsPaused() {
		return
	}
	f.accrueWait(reading)
	f.pauseStart = reading
}

// Unpause adds the paused interval to the frame's dead time.
func (f *Frame) Unpause(reading float64) {
	if !f.IsPaused() {
		return
	}
	if d := reading - f.pauseStart; d > 0 {
		f.DeadTime += d
	}
	f.pauseStart = notPaused
	if f.switched {
		f.switchOut = reading
	}
}

// SwitchOut records when the context owning the frame stopped running.
func (f *Frame) SwitchOut(reading float64) {
	f.switchOut = reading
	f.switched = true
}

// SwitchIn adds the time spent switched out to the frame's wait time.
func (f *Frame) SwitchIn(reading float64) {
	if !f.switched {
		return
	}
	f.accrueWait(reading)
	f.switched = false
}

// accrueWait charges the time switched out up to reading as wait time.
// Paused intervals are dead time and never count as waiting.
func (f *Frame) accrueWait(reading float64) {
	if !f.switched || f.IsPaused() {
		return
	}
	if d := reading - f.switchOut; d > 0 {
		f.WaitTime += d
	}
	f.switchOut = reading
}

func (s *Stack) Depth() int {
	return len(s.frames)
}

// Push starts a frame for node at reading. The previous top frame is
// unpaused, since only the leaf of execution can be paused.
func (s *Stack) Push(node int32, reading float64, paused bool) *Frame {
	if parent := s.Peek(); parent != nil {
		parent.Unpause(reading)
	}
	// Reuse the backing array, frames are plain values.
	s.frames = append(s.frames, Frame{})
	f := &s.frames[len(s.frames)-1]
	f.Node = node
	f.Start = reading
	f.pauseStart = notPaused
	if paused {
		f.Pause(reading)
	}
	return f
}

// Unshift inserts a frame below every other frame. It is used when
// execution returns above the first frame that was recorded.
func (s *Stack) Unshift(node int32, reading float64) *Frame {
	s.frames = append(s.frames, Frame{})
	copy(s.frames[1:], s.frames[:len(s.frames)-1])
	f := &s.frames[0]
	*f = Frame{
		Node:       node,
		Start:      reading,
		pauseStart: notPaused,
	}
	return f
}

// Pop removes the top frame and computes its total and self time. The
// frame's total time is charged to the new top as child time. It returns
// false when the stack is empty.
func (s *Stack) Pop(reading float64) (Result, bool) {
	if len(s.frames) == 0 {
		return Result{}, false
	}
	f := &s.frames[len(s.frames)-1]
	f.Unpause(reading)
	f.SwitchIn(reading)

	total := reading - f.Start - f.DeadTime
	if total < 0 {
		s.Clamped++
		total = 0
	}
	self := total - f.ChildTime - f.WaitTime
	if self < 0 {
		s.Clamped++
		self = 0
	}
	r := Result{
		Node:      f.Node,
		TotalTime: total,
		SelfTime:  self,
		WaitTime:  f.WaitTime,
		DeadTime:  f.DeadTime,
	}
	s.frames = s.frames[:len(s.frames)-1]

	if parent := s.Peek(); parent != nil {
		parent.ChildTime += total
		parent.DeadTime += r.DeadTime
	}
	return r, true
}

// Peek returns the top frame or nil.
func (s *Stack) Peek() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return &s.frames[len(s.frames)-1]
}

// Pause pauses the top frame.
func (s *Stack) Pause(reading float64) {
	if f := s.Peek(); f != nil {
		f.Pause(reading)
	}
}

// Unpause unpauses the top frame.
func (s *Stack) Unpause(reading float64) {
	if f := s.Peek(); f != nil {
		f.Unpause(reading)
	}
}

// Find walks the stack from the top and returns the first frame matching
// fn, or nil.
func (s *Stack) Find(fn func(*Frame) bool) *Frame {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if fn(&s.frames[i]) {
			return &s.frames[i]
		}
	}
	return nil
}
