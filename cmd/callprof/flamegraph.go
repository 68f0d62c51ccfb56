package main

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"

	"github.com/getsentry/callprof/internal/flamegraph"
)

const (
	minFlamegraphWorkers = 5
	flamegraphTimeout    = 10 * time.Second
)

type postFlamegraphBody struct {
	ProfileIDs []string `json:"profile_ids"`
}

func (env *environment) postFlamegraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	var body postFlamegraphBody
	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Decoding data"
	err := json.NewDecoder(r.Body).Decode(&body)
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body.ProfileIDs) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	hub.Scope().SetTag("requested_profiles", strconv.Itoa(len(body.ProfileIDs)))

	s = sentry.StartSpan(ctx, "processing")
	s.Description = "Aggregating call trees"
	o, err := flamegraph.GetFlamegraphFromProfiles(
		ctx,
		env.storage,
		body.ProfileIDs,
		getFlamegraphNumWorkers(len(body.ProfileIDs), minFlamegraphWorkers),
		flamegraphTimeout,
	)
	s.Finish()
	if err != nil {
		if errors.Is(err, flamegraph.ErrNoProfiles) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	env.telemetry.exports.WithLabelValues("flamegraph").Inc()
	writeJSON(ctx, w, http.StatusOK, o)
}

func getFlamegraphNumWorkers(numProfiles, minNumWorkers int) int {
	if numProfiles < minNumWorkers {
		return numProfiles
	}
	v := int(math.Ceil((float64(numProfiles) / 100) * float64(minNumWorkers)))
	return max(v, minNumWorkers)
}
