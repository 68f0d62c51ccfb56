package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"
	"github.com/segmentio/kafka-go"
	"gocloud.dev/gcerrors"

	"github.com/getsentry/callprof/internal/chrometrace"
	"github.com/getsentry/callprof/internal/errorutil"
	"github.com/getsentry/callprof/internal/httputil"
	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/metrics"
	"github.com/getsentry/callprof/internal/nodetree"
	"github.com/getsentry/callprof/internal/pprofutil"
	"github.com/getsentry/callprof/internal/profiler"
	"github.com/getsentry/callprof/internal/snapshot"
	"github.com/getsentry/callprof/internal/speedscope"
	"github.com/getsentry/callprof/internal/storageutil"
)

const maxExamplesPerFunction = 5

type postProfileResponse struct {
	ProfileID   string               `json:"profile_id"`
	Diagnostics profiler.Diagnostics `json:"diagnostics"`
}

func (env *environment) postProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	params, logger := httputil.QueryParameters(r, "mode", "track_allocations")
	cfg := env.config.Profiler
	if mode, ok := params["mode"]; ok {
		m, err := measure.ParseMode(mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg.MeasureMode = m
	}
	track, err := httputil.BoolParameter(params, "track_allocations", cfg.TrackAllocations)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg.TrackAllocations = track

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Replay events"
	rec, err := profiler.Replay(cfg, r.Body)
	s.Finish()
	if err != nil {
		switch {
		case errors.Is(err, errorutil.ErrDataIntegrity):
			logger.Debug().Err(err).Msg("invalid event stream")
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, errorutil.ErrResourceExhausted):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		default:
			hub.CaptureException(err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	p := snapshot.Dump(snapshot.NewID(), rec)
	hub.Scope().SetTag("profile_id", p.ID)
	hub.Scope().SetTag("measure_mode", p.MeasureMode.String())

	if !env.store(ctx, w, p) {
		return
	}
	diagnostics := rec.Diagnostics()
	env.telemetry.profilesStored.WithLabelValues(p.MeasureMode.String()).Inc()
	env.telemetry.contexts.Observe(float64(len(p.Contexts)))
	env.telemetry.observeDiagnostics(diagnostics)

	if env.callTreesWriter != nil {
		s = sentry.StartSpan(ctx, "json.marshal")
		s.Description = "Marshal call trees Kafka message"
		b, err := json.Marshal(buildCallTreesKafkaMessage(p, rec, env.config.Environment, time.Now()))
		s.Finish()
		if err != nil {
			hub.CaptureException(err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s = sentry.StartSpan(ctx, "processing")
		s.Description = "Send call trees to Kafka"
		err = env.callTreesWriter.WriteMessages(ctx, kafka.Message{
			Topic: env.config.CallTreesKafkaTopic,
			Value: b,
		})
		s.Finish()
		if err != nil {
			hub.CaptureException(err)
		}
	}

	writeJSON(ctx, w, http.StatusCreated, postProfileResponse{
		ProfileID:   p.ID,
		Diagnostics: diagnostics,
	})
}

// store writes the snapshot, answering the request itself on failure.
func (env *environment) store(ctx context.Context, w http.ResponseWriter, p snapshot.Profile) bool {
	hub := sentry.GetHubFromContext(ctx)
	s := sentry.StartSpan(ctx, "storage.write")
	s.Description = "Write profile to storage"
	err := storageutil.CompressedWrite(ctx, env.storage, p.StoragePath(), p)
	s.Finish()
	if err == nil {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// transient, the client will retry
		w.WriteHeader(http.StatusTooManyRequests)
		return false
	}
	hub.CaptureException(err)
	if gcerrors.Code(err) == gcerrors.FailedPrecondition {
		w.WriteHeader(http.StatusPreconditionFailed)
	} else {
		w.WriteHeader(http.StatusInternalServerError)
	}
	return false
}

// load reads the snapshot of a stored profile, answering the request itself
// on failure.
func (env *environment) load(ctx context.Context, w http.ResponseWriter, id string) (snapshot.Profile, bool) {
	hub := sentry.GetHubFromContext(ctx)
	var p snapshot.Profile
	s := sentry.StartSpan(ctx, "storage.read")
	s.Description = "Read profile from storage"
	err := storageutil.UnmarshalCompressed(ctx, env.storage, snapshot.StoragePath(id), &p)
	s.Finish()
	if err != nil {
		switch {
		case errors.Is(err, storageutil.ErrObjectNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, context.DeadlineExceeded):
			w.WriteHeader(http.StatusGatewayTimeout)
		default:
			hub.CaptureException(err)
			w.WriteHeader(http.StatusInternalServerError)
		}
		return p, false
	}
	return p, true
}

// restore loads a stored profile into a stopped recorder.
func (env *environment) restore(ctx context.Context, w http.ResponseWriter) (snapshot.Profile, *profiler.Recorder, bool) {
	hub := sentry.GetHubFromContext(ctx)
	id := httprouter.ParamsFromContext(ctx).ByName("profile_id")
	hub.Scope().SetTag("profile_id", id)
	p, ok := env.load(ctx, w, id)
	if !ok {
		return p, nil, false
	}
	rec, err := snapshot.Load(p)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return p, nil, false
	}
	return p, rec, true
}

func (env *environment) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := httprouter.ParamsFromContext(ctx).ByName("profile_id")
	p, ok := env.load(ctx, w, id)
	if !ok {
		return
	}
	writeJSON(ctx, w, http.StatusOK, p)
}

func (env *environment) getCallTree(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, _ := httputil.QueryParameters(r, "collapse", "aggregate")
	collapse, err := httputil.BoolParameter(params, "collapse", false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	aggregate, err := httputil.BoolParameter(params, "aggregate", false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, rec, ok := env.restore(ctx, w)
	if !ok {
		return
	}
	if !aggregate {
		writeJSON(ctx, w, http.StatusOK, callTrees(rec, collapse))
		return
	}

	trees, err := rec.Aggregate()
	if err != nil {
		sentry.GetHubFromContext(ctx).CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	nodes := make([]*nodetree.Node, 0, len(trees))
	for _, t := range trees {
		n := nodetree.FromTree(t)
		if collapse {
			nodes = append(nodes, n.Collapse()...)
		} else {
			nodes = append(nodes, n)
		}
	}
	writeJSON(ctx, w, http.StatusOK, nodes)
}

func (env *environment) getFunctions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, rec, ok := env.restore(ctx, w)
	if !ok {
		return
	}
	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Aggregate functions"
	ma := metrics.NewAggregator(env.config.MaxUniqueFunctions, maxExamplesPerFunction)
	for _, c := range rec.Contexts() {
		ma.AddFunctions(nodetree.Functions(nodetree.FromTree(c.Tree())), string(c.ID))
	}
	functions := ma.ToMetrics()
	s.Finish()
	env.telemetry.exports.WithLabelValues("functions").Inc()
	writeJSON(ctx, w, http.StatusOK, functions)
}

func (env *environment) getSpeedscope(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, rec, ok := env.restore(ctx, w)
	if !ok {
		return
	}
	o := speedscope.FromContexts(p.ID, p.MeasureMode, env.config.Profiler.MainContext(), rec.Contexts())
	env.telemetry.exports.WithLabelValues("speedscope").Inc()
	writeJSON(ctx, w, http.StatusOK, o)
}

func (env *environment) getChromeTrace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, rec, ok := env.restore(ctx, w)
	if !ok {
		return
	}
	env.telemetry.exports.WithLabelValues("chrometrace").Inc()
	writeJSON(ctx, w, http.StatusOK, chrometrace.FromContexts(p.ID, p.MeasureMode, rec.Contexts()))
}

func (env *environment) getPprof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, rec, ok := env.restore(ctx, w)
	if !ok {
		return
	}
	var b bytes.Buffer
	if err := pprofutil.Write(&b, p.MeasureMode, rec.Contexts()); err != nil {
		sentry.GetHubFromContext(ctx).CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	env.telemetry.exports.WithLabelValues("pprof").Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+p.ID+`.pb.gz"`)
	_, _ = w.Write(b.Bytes())
}

func (env *environment) postMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	a, ok := env.load(ctx, w, ps.ByName("profile_id"))
	if !ok {
		return
	}
	b, ok := env.load(ctx, w, ps.ByName("other_id"))
	if !ok {
		return
	}

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Merge profiles"
	merged, err := snapshot.Merge(snapshot.NewID(), a, b)
	s.Finish()
	if err != nil {
		if errors.Is(err, errorutil.ErrMergeIncompatible) {
			env.telemetry.merges.WithLabelValues("incompatible").Inc()
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		env.telemetry.merges.WithLabelValues("error").Inc()
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !env.store(ctx, w, merged) {
		return
	}
	env.telemetry.merges.WithLabelValues("merged").Inc()
	writeJSON(ctx, w, http.StatusCreated, postProfileResponse{ProfileID: merged.ID})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v interface{}) {
	s := sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := json.Marshal(v)
	if err != nil {
		sentry.GetHubFromContext(ctx).CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
