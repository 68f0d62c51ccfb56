// Package snapshot serializes the call trees recorded by a profiler.Recorder
// and restores them.
package snapshot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/callprof/internal/calltree"
	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/profiler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	Profile struct {
		ID               string       `json:"profile_id"`
		MeasureMode      measure.Mode `json:"measure_mode"`
		TrackAllocations bool         `json:"track_allocations"`
		Contexts         []Context    `json:"contexts"`
	}

	Context struct {
		ID   profiler.ContextID `json:"id"`
		Tree calltree.Dump      `json:"tree"`
	}
)

// NewID returns a new profile ID.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Dump returns the snapshot of every context of r that recorded something.
func Dump(id string, r *profiler.Recorder) Profile {
	cfg := r.Config()
	p := Profile{
		ID:               id,
		MeasureMode:      cfg.MeasureMode,
		TrackAllocations: cfg.TrackAllocations,
		Contexts:         []Context{},
	}
	for _, c := range r.Contexts() {
		p.Contexts = append(p.Contexts, Context{
			ID:   c.ID,
			Tree: c.Export(),
		})
	}
	return p
}

// Load returns a stopped recorder holding the contexts of the snapshot.
func Load(p Profile) (*profiler.Recorder, error) {
	contexts := make([]*profiler.Context, 0, len(p.Contexts))
	seen := make(map[profiler.ContextID]struct{}, len(p.Contexts))
	for _, c := range p.Contexts {
		if _, ok := seen[c.ID]; ok {
			return nil, fmt.Errorf("snapshot: %w: duplicate context %q", errorutil.ErrDataIntegrity, c.ID)
		}
		seen[c.ID] = struct{}{}
		tree, err := calltree.Import(c.Tree)
		if err != nil {
			return nil, fmt.Errorf("snapshot: context %q: %w", c.ID, err)
		}
		contexts = append(contexts, profiler.NewContext(c.ID, tree))
	}
	cfg := profiler.Config{
		MeasureMode:      p.MeasureMode,
		TrackAllocations: p.TrackAllocations,
	}
	return profiler.Restore(cfg, contexts...), nil
}

func Marshal(p Profile) ([]byte, error) {
	return json.Marshal(p)
}

func Unmarshal(b []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("snapshot: %w", err)
	}
	return p, nil
}

// StoragePath is where the snapshot is stored.
func (p Profile) StoragePath() string {
	return StoragePath(p.ID)
}

func StoragePath(id string) string {
	return fmt.Sprintf("profiles/%s.json", id)
}

// Merge returns a new snapshot where the contexts of b are merged into the
// contexts of a with the same ID. Contexts only present in b are added, and
// so are contexts of b whose tree can't be merged with the one of a, under
// the ID returned by sideContextID.
func Merge(id string, a, b Profile) (Profile, error) {
	if a.MeasureMode != b.MeasureMode {
		return Profile{}, fmt.Errorf("snapshot: %w: measured %v and %v", errorutil.ErrMergeIncompatible, a.MeasureMode, b.MeasureMode)
	}
	ra, err := Load(a)
	if err != nil {
		return Profile{}, err
	}
	rb, err := Load(b)
	if err != nil {
		return Profile{}, err
	}
	p := Profile{
		ID:               id,
		MeasureMode:      a.MeasureMode,
		TrackAllocations: a.TrackAllocations || b.TrackAllocations,
		Contexts:         make([]Context, 0, len(a.Contexts)),
	}
	index := make(map[profiler.ContextID]*calltree.Tree)
	var order []profiler.ContextID
	for _, c := range ra.Contexts() {
		index[c.ID] = c.Tree()
		order = append(order, c.ID)
	}
	for _, c := range rb.Contexts() {
		dst, ok := index[c.ID]
		if !ok {
			index[c.ID] = c.Tree()
			order = append(order, c.ID)
			continue
		}
		err := calltree.MergeTrees(dst, c.Tree())
		if err == nil {
			continue
		}
		if !errors.Is(err, errorutil.ErrMergeIncompatible) {
			return Profile{}, fmt.Errorf("snapshot: context %q: %w", c.ID, err)
		}
		// Trees rooted at different routines stay side by side, the one
		// from b under a context ID naming its profile.
		side := sideContextID(c.ID, b.ID, index)
		log.Debug().
			Err(err).
			Str("context", string(c.ID)).
			Str("kept_as", string(side)).
			Msg("can't merge context, keeping both trees")
		index[side] = c.Tree()
		order = append(order, side)
	}
	for _, id := range order {
		p.Contexts = append(p.Contexts, Context{ID: id, Tree: index[id].Export()})
	}
	return p, nil
}

// sideContextID names the context id of profile profileID when it is kept
// next to a context with the same ID.
func sideContextID(id profiler.ContextID, profileID string, taken map[profiler.ContextID]*calltree.Tree) profiler.ContextID {
	side := profiler.ContextID(fmt.Sprintf("%s@%s", id, profileID))
	for i := 2; ; i++ {
		if _, ok := taken[side]; !ok {
			return side
		}
		side = profiler.ContextID(fmt.Sprintf("%s@%s#%d", id, profileID, i))
	}
}
