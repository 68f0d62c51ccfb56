package measure

import (
	"fmt"
	"math"
	"runtime/metrics"
	"strings"
	"sync"
	"time"
)

const (
	WallTime Mode = iota
	CPUTime
	Allocations
	Memory
)

type (
	// Mode selects what a Source measures.
	Mode int

	// Source returns a reading that never decreases between two calls.
	Source interface {
		Read() float64
		Mode() Mode
	}
)

var modeNames = map[Mode]string{
	WallTime:    "wall",
	CPUTime:     "cpu",
	Allocations: "allocations",
	Memory:      "memory",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts the labels produced by Mode.String, case insensitive.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return WallTime, nil
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("measure: unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// SetValue lets cleanenv parse a Mode from configuration.
func (m *Mode) SetValue(s string) error {
	return m.UnmarshalText([]byte(s))
}

// New returns the source for the given mode.
func New(m Mode) (Source, error) {
	switch m {
	case WallTime:
		return NewWallClock(), nil
	case CPUTime:
		return cpuClock{}, nil
	case Allocations:
		return newRuntimeCounter(Allocations, "/gc/heap/allocs:objects"), nil
	case Memory:
		return newRuntimeCounter(Memory, "/gc/heap/allocs:bytes"), nil
	}
	return nil, fmt.Errorf("measure: unknown mode %v", m)
}

// WallClock measures seconds elapsed since it was created, using the
// monotonic clock.
type WallClock struct {
	epoch time.Time
}

func NewWallClock() *WallClock {
	return &WallClock{epoch: time.Now()}
}

func (w *WallClock) Read() float64 {
	return time.Since(w.epoch).Seconds()
}

func (w *WallClock) Mode() Mode {
	return WallTime
}

type runtimeCounter struct {
	mode Mode
	mu   sync.Mutex
	s    []metrics.Sample
}

func newRuntimeCounter(mode Mode, name string) *runtimeCounter {
	return &runtimeCounter{
		mode: mode,
		s:    []metrics.Sample{{Name: name}},
	}
}

func (r *runtimeCounter) Read() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.Read(r.s)
	if r.s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return float64(r.s[0].Value.Uint64())
}

func (r *runtimeCounter) Mode() Mode {
	return r.mode
}

// Manual is a Source driven by the caller. It is used when readings are
// supplied by the event stream and in tests.
type Manual struct {
	mu    sync.Mutex
	value float64
	mode  Mode
}

func NewManual(mode Mode) *Manual {
	return &Manual{mode: mode}
}

func (m *Manual) Read() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

func (m *Manual) Mode() Mode {
	return m.mode
}

// Set moves the reading to v. Values lower than the current reading are
// ignored so that the source stays monotonic.
func (m *Manual) Set(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.value && !math.IsNaN(v) {
		m.value = v
	}
}

func (m *Manual) Advance(d float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.value += d
	}
}
