// Package flamegraph aggregates the call trees of many stored profiles into
// a single speedscope flamegraph.
package flamegraph

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/nodetree"
	"github.com/getsentry/callprof/internal/snapshot"
	"github.com/getsentry/callprof/internal/speedscope"
	"github.com/getsentry/callprof/internal/storageutil"
)

type (
	Pair[T, U any] struct {
		First  T
		Second U
	}

	// CallTrees are the collapsed report trees of every context of a
	// profile.
	CallTrees []*nodetree.Node

	node struct {
		fingerprint uint64
		name        string
		file        string
		line        int
		selfTime    float64
		profileIDs  map[string]struct{}
		children    []*node
	}
)

// ErrNoProfiles is returned when none of the requested profiles could be
// read.
var ErrNoProfiles = errors.New("flamegraph: no profiles")

// GetFlamegraphFromProfiles reads the profiles with numWorkers workers and
// merges their call trees by routine. Missing profiles and profiles measured
// differently than the first one read are skipped.
func GetFlamegraphFromProfiles(
	ctx context.Context,
	storage storageutil.ObjectHandler,
	profileIDs []string,
	numWorkers int,
	timeout time.Duration) (speedscope.Output, error) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	var wg sync.WaitGroup
	callTreesQueue := make(chan Pair[snapshot.Profile, CallTrees], numWorkers)
	profileIDsChan := make(chan string, numWorkers)
	timeoutContext, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for profileID := range profileIDsChan {
				var p snapshot.Profile
				err := storageutil.UnmarshalCompressed(timeoutContext, storage, snapshot.StoragePath(profileID), &p)
				if err != nil {
					if errors.Is(err, storageutil.ErrObjectNotFound) {
						continue
					}
					if errors.Is(err, context.DeadlineExceeded) {
						return
					}
					capture(ctx, err)
					continue
				}
				rec, err := snapshot.Load(p)
				if err != nil {
					capture(ctx, err)
					continue
				}
				var callTrees CallTrees
				for _, c := range rec.Contexts() {
					if n := nodetree.FromTree(c.Tree()); n != nil {
						callTrees = append(callTrees, n.Collapse()...)
					}
				}
				callTreesQueue <- Pair[snapshot.Profile, CallTrees]{p, callTrees}
			}
		}()
	}

	go func() {
		defer close(profileIDsChan)
		for _, profileID := range profileIDs {
			select {
			case <-timeoutContext.Done():
				return
			case profileIDsChan <- profileID:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(callTreesQueue)
	}()

	var (
		flamegraphTree []*node
		mode           measure.Mode
		aggregated     int
	)
	for pair := range callTreesQueue {
		p := pair.First
		if aggregated == 0 {
			mode = p.MeasureMode
		} else if p.MeasureMode != mode {
			log.Debug().Str("profile_id", p.ID).Str("measure_mode", p.MeasureMode.String()).Msg("skipping profile measured differently")
			continue
		}
		for _, n := range pair.Second {
			addCallTreeToFlamegraph(&flamegraphTree, n, p.ID)
		}
		aggregated++
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetTag("processed_profiles", strconv.Itoa(aggregated))
	}
	if aggregated == 0 {
		return speedscope.Output{}, ErrNoProfiles
	}
	return toSpeedscope(flamegraphTree, mode), nil
}

func capture(ctx context.Context, err error) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	log.Err(err).Msg("can't read profile for flamegraph")
}

func getMatchingNode(nodes []*node, n *nodetree.Node) *node {
	for _, existing := range nodes {
		if existing.fingerprint == n.Fingerprint {
			return existing
		}
	}
	return nil
}

func addCallTreeToFlamegraph(flamegraphTree *[]*node, n *nodetree.Node, profileID string) {
	existing := getMatchingNode(*flamegraphTree, n)
	if existing == nil {
		existing = &node{
			fingerprint: n.Fingerprint,
			name:        n.Scope + "#" + n.Name,
			file:        n.Path,
			line:        n.Line,
			profileIDs:  make(map[string]struct{}),
		}
		*flamegraphTree = append(*flamegraphTree, existing)
	}
	existing.selfTime += n.SelfTime
	if n.SelfTime > 0 {
		existing.profileIDs[profileID] = struct{}{}
	}
	for _, c := range n.Children {
		addCallTreeToFlamegraph(&existing.children, c, profileID)
	}
}

type flamegraph struct {
	profile         speedscope.SampledProfile
	frames          []speedscope.Frame
	framesIndex     map[uint64]int
	profileIDs      []string
	profileIDsIndex map[string]int
}

func toSpeedscope(trees []*node, mode measure.Mode) speedscope.Output {
	fd := &flamegraph{
		profile: speedscope.SampledProfile{
			IsMainThread:    true,
			Name:            "flamegraph",
			Samples:         [][]int{},
			SamplesProfiles: [][]int{},
			Type:            speedscope.ProfileTypeSampled,
			Unit:            speedscope.Unit(mode),
			Weights:         []float64{},
		},
		frames:          []speedscope.Frame{},
		framesIndex:     make(map[uint64]int),
		profileIDsIndex: make(map[string]int),
	}
	for _, tree := range trees {
		fd.visitCalltree(tree, nil)
	}
	speedscope.SortSamples(&fd.profile, fd.frames)
	return speedscope.Output{
		Schema:   speedscope.Schema,
		Exporter: "callprof",
		Name:     "flamegraph",
		Profiles: []speedscope.SampledProfile{fd.profile},
		Shared: speedscope.SharedData{
			Frames:     fd.frames,
			ProfileIDs: fd.profileIDs,
		},
	}
}

func (f *flamegraph) visitCalltree(n *node, stack []int) {
	i, ok := f.framesIndex[n.fingerprint]
	if !ok {
		i = len(f.frames)
		f.framesIndex[n.fingerprint] = i
		f.frames = append(f.frames, speedscope.Frame{File: n.file, Line: n.line, Name: n.name})
	}
	stack = append(stack, i)
	if n.selfTime > 0 {
		f.profile.Samples = append(f.profile.Samples, append([]int(nil), stack...))
		f.profile.Weights = append(f.profile.Weights, n.selfTime)
		f.profile.SamplesProfiles = append(f.profile.SamplesProfiles, f.profileIndices(n.profileIDs))
		f.profile.EndValue += n.selfTime
	}
	for _, c := range n.children {
		f.visitCalltree(c, stack)
	}
}

func (f *flamegraph) profileIndices(ids map[string]struct{}) []int {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	indices := make([]int, 0, len(sorted))
	for _, id := range sorted {
		i, ok := f.profileIDsIndex[id]
		if !ok {
			i = len(f.profileIDs)
			f.profileIDsIndex[id] = i
			f.profileIDs = append(f.profileIDs, id)
		}
		indices = append(indices, i)
	}
	return indices
}
