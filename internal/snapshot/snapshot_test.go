package snapshot

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/profiler"
	"github.com/getsentry/callprof/internal/routine"
	"github.com/getsentry/callprof/internal/testutil"
)

const events = `{"kind":"enter","context":"main","routine":{"scope":"App","name":"run"},"definition":{"file":"app.rb","line":1},"reading":0}
{"kind":"enter","routine":{"scope":"App","name":"step"},"definition":{"file":"app.rb","line":10},"reading":0.25}
{"kind":"allocate","site":{"scope":"String"},"size":40,"location":{"file":"app.rb","line":12},"reading":0.5}
{"kind":"enter","routine":{"scope":"App","name":"step"},"reading":0.75}
{"kind":"exit","reading":1.125}
{"kind":"exit","reading":1.5}
{"kind":"context_switch","context":"worker","reading":1.5}
{"kind":"enter","routine":{"scope":"Worker","name":"perform"},"reading":1.5}
{"kind":"exit","reading":2.0}
{"kind":"context_switch","context":"main","reading":2.0}
{"kind":"exit","reading":3.1}
`

// after enters a routine once the first one returned, which puts a
// placeholder above the main call tree.
const after = `{"kind":"enter","routine":{"scope":"App","name":"after"},"reading":3.2}
`

func record(t *testing.T, input string) *profiler.Recorder {
	t.Helper()
	r, err := profiler.Replay(profiler.Config{TrackAllocations: true}, strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func routineID(scope, name string) routine.ID {
	return routine.ID{Scope: scope, Name: name}
}

func TestRoundTrip(t *testing.T) {
	p := Dump(NewID(), record(t, events+after))
	if len(p.Contexts) != 2 {
		t.Fatalf("expected 2 contexts, got %d", len(p.Contexts))
	}
	b, err := Marshal(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decoded, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := testutil.Diff(decoded, p); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	r, err := Load(decoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.State() != profiler.Stopped {
		t.Fatalf("expected a stopped recorder, got %v", r.State())
	}
	again, err := Marshal(Dump(decoded.ID, r))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(b, again) {
		t.Fatalf("dump after load differs:\n%s\n%s", b, again)
	}

	c, ok := r.Context("main")
	if !ok {
		t.Fatal("expected the main context to be restored")
	}
	tree := c.Tree()
	if !tree.Node(tree.Root).Synthetic {
		t.Fatal("expected the placeholder root to stay synthetic")
	}
	rec, ok := tree.Lookup(routineID("App", "step"))
	if !ok || !tree.Record(rec).Recursive {
		t.Fatal("expected step to be restored as recursive")
	}
	if got := tree.Record(rec).Allocations(); len(got) != 1 || got[0].Bytes != 40 {
		t.Fatalf("expected the allocation to be restored, got %+v", got)
	}
}

func TestLoadInvalid(t *testing.T) {
	p := Dump(NewID(), record(t, events))
	p.Contexts = append(p.Contexts, p.Contexts[0])
	if _, err := Load(p); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}

	p = Dump(NewID(), record(t, events))
	p.Contexts[0].Tree.Root = 42
	if _, err := Load(p); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	a := Dump(NewID(), record(t, events))
	b := Dump(NewID(), record(t, `{"kind":"enter","context":"main","routine":{"scope":"App","name":"run"},"reading":0}
{"kind":"exit","reading":1}
{"kind":"enter","context":"cron","routine":{"scope":"Cron","name":"tick"},"reading":1}
{"kind":"exit","reading":2}
`))
	merged, err := Merge("merged", a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []profiler.ContextID
	for _, c := range merged.Contexts {
		ids = append(ids, c.ID)
	}
	if diff := testutil.Diff(ids, []profiler.ContextID{"main", "worker", "cron"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	r, err := Load(merged)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := r.Context("main")
	tree := c.Tree()
	root := tree.Node(tree.Root)
	if root.Routine != routineID("App", "run") {
		t.Fatalf("unexpected root %v", root.Routine)
	}
	want := measure.Measurement{TotalTime: 4.1, SelfTime: 2.35, WaitTime: 0.5, CallCount: 2}
	if diff := testutil.ApproxDiff(root.Measurement, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if a.Contexts[0].Tree.Nodes[0].Measurement.CallCount != 1 {
		t.Fatal("expected the inputs to be left untouched")
	}

	b.MeasureMode = measure.Memory
	if _, err := Merge("merged", a, b); !errors.Is(err, errorutil.ErrMergeIncompatible) {
		t.Fatalf("expected ErrMergeIncompatible, got %v", err)
	}
}

func TestMergeKeepsContextsWithDifferentRoots(t *testing.T) {
	a := Dump("first", record(t, events))
	b := Dump("other", record(t, `{"kind":"enter","context":"main","routine":{"scope":"App","name":"boot"},"reading":0}
{"kind":"exit","reading":1}
`))
	merged, err := Merge("merged", a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []profiler.ContextID
	for _, c := range merged.Contexts {
		ids = append(ids, c.ID)
	}
	if diff := testutil.Diff(ids, []profiler.ContextID{"main", "worker", "main@other"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	r, err := Load(merged)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := r.Context("main")
	if got := c.Tree().Node(c.Tree().Root).Measurement.CallCount; got != 1 {
		t.Fatalf("expected main to be left as recorded, got %d calls", got)
	}
	c, ok := r.Context("main@other")
	if !ok {
		t.Fatal("expected the tree of the other profile to be kept")
	}
	root := c.Tree().Node(c.Tree().Root)
	if root.Routine != routineID("App", "boot") || root.Measurement.TotalTime != 1 {
		t.Fatalf("unexpected root %+v", root)
	}
}

func TestStoragePath(t *testing.T) {
	p := Profile{ID: "abc"}
	if got := p.StoragePath(); got != "profiles/abc.json" {
		t.Fatalf("unexpected storage path %q", got)
	}
	if len(NewID()) != 32 {
		t.Fatal("expected a 32 characters ID")
	}
}
