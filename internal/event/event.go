// Package event defines the execution events consumed by the recorder and
// their JSON lines encoding.
package event

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/routine"
)

type Kind string

const (
	Enter         Kind = "enter"
	Exit          Kind = "exit"
	Line          Kind = "line"
	Allocate      Kind = "allocate"
	ContextSwitch Kind = "context_switch"
)

type (
	Event struct {
		Kind Kind `json:"kind"`
		// Context names the execution context the event happened in. An
		// empty context is the current one.
		Context  string           `json:"context,omitempty"`
		Routine  routine.ID       `json:"routine"`
		Location routine.Location `json:"location"`
		// Definition is where the routine is defined, used to attribute
		// allocations lexically.
		Definition routine.Location `json:"definition"`
		// Site and Size describe an allocation. A zero Site.Line means the
		// line of Location.
		Site calltree.AllocationSite `json:"site"`
		Size uint64                  `json:"size,omitempty"`
		// Reading is the measurement taken when the event happened. Without
		// one, the recorder reads its own source.
		Reading *float64 `json:"reading,omitempty"`
	}

	Decoder struct {
		dec  *json.Decoder
		line int
	}

	Encoder struct {
		enc *json.Encoder
	}
)

var ErrInvalidEvent = fmt.Errorf("event: %w: invalid event", errorutil.ErrDataIntegrity)

// At returns a copy of e with its reading set.
func (e Event) At(reading float64) Event {
	e.Reading = &reading
	return e
}

// Measured reports whether the event carries a reading.
func (e Event) Measured() bool {
	return e.Reading != nil
}

func (e Event) Validate() error {
	switch e.Kind {
	case Enter:
		if e.Routine.IsZero() {
			return fmt.Errorf("%w: enter without a routine", ErrInvalidEvent)
		}
	case Exit, Line, Allocate:
	case ContextSwitch:
		if e.Context == "" {
			return fmt.Errorf("%w: context switch without a context", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode returns the next event of the stream, or io.EOF once it is
// exhausted.
func (d *Decoder) Decode() (Event, error) {
	var e Event
	if !d.dec.More() {
		return e, io.EOF
	}
	d.line++
	if err := d.dec.Decode(&e); err != nil {
		return e, fmt.Errorf("event %d: %w: %v", d.line, errorutil.ErrDataIntegrity, err)
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("event %d: %w", d.line, err)
	}
	return e, nil
}

// ReadAll decodes every event of r.
func ReadAll(r io.Reader) ([]Event, error) {
	d := NewDecoder(r)
	var events []Event
	for {
		e, err := d.Decode()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes e on its own line.
func (e *Encoder) Encode(ev Event) error {
	return e.enc.Encode(ev)
}
