package profiler

import (
	"errors"
	"io"

	"github.com/getsentry/callprof/internal/event"
	"github.com/getsentry/callprof/internal/measure"
)

// Replay records a stream of events captured earlier and returns the
// stopped recorder. Readings come from the events; the recorder is stopped
// at the last reading seen.
func Replay(cfg Config, r io.Reader) (*Recorder, error) {
	rec, err := New(cfg, measure.NewManual(cfg.MeasureMode))
	if err != nil {
		return nil, err
	}
	if err := rec.Start(); err != nil {
		return nil, err
	}
	dec := event.NewDecoder(r)
	for {
		e, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := rec.Handle(e); err != nil {
			return nil, err
		}
	}
	if err := rec.Stop(); err != nil {
		return nil, err
	}
	return rec, nil
}
