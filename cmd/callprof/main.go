package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/callprof/internal/httputil"
	"github.com/getsentry/callprof/internal/logutil"
	"github.com/getsentry/callprof/internal/storageutil"
)

type environment struct {
	config ServiceConfig

	storage      storageutil.ObjectHandler
	closeStorage func() error

	callTreesWriter *kafka.Writer
	telemetry       *telemetry
}

var release string

func newEnvironment(ctx context.Context, cfg ServiceConfig) (*environment, error) {
	e := environment{
		config:    cfg,
		telemetry: newTelemetry(),
	}
	var err error
	e.storage, e.closeStorage, err = newStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.KafkaBrokers) > 0 {
		e.callTreesWriter = &kafka.Writer{
			Addr:         kafka.TCP(cfg.KafkaBrokers...),
			Async:        true,
			Balancer:     kafka.CRC32Balancer{},
			BatchSize:    10,
			Compression:  kafka.Lz4,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	return &e, nil
}

func (e *environment) shutdown() {
	if e.closeStorage != nil {
		if err := e.closeStorage(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if e.callTreesWriter != nil {
		if err := e.callTreesWriter.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodPost, "/profiles", e.postProfile},
		{http.MethodGet, "/profiles/:profile_id", e.getProfile},
		{http.MethodGet, "/profiles/:profile_id/calltree", e.getCallTree},
		{http.MethodGet, "/profiles/:profile_id/functions", e.getFunctions},
		{http.MethodGet, "/profiles/:profile_id/speedscope", e.getSpeedscope},
		{http.MethodGet, "/profiles/:profile_id/pprof", e.getPprof},
		{http.MethodGet, "/profiles/:profile_id/chrometrace", e.getChromeTrace},
		{http.MethodPost, "/profiles/:profile_id/merge/:other_id", e.postMerge},
		{http.MethodPost, "/flamegraph", e.postFlamegraph},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.DecompressPayload(route.handler)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}
	router.Handler(http.MethodGet, "/metrics", e.telemetry.handler())

	return router, nil
}

// newHandler returns the router behind the sentry middleware, which puts a
// hub on every request context.
func (e *environment) newHandler() (http.Handler, error) {
	router, err := e.newRouter()
	if err != nil {
		return nil, err
	}
	return sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(router), nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		logutil.ConfigureLogger("info")
		log.Fatal().Err(err).Msg("error loading configuration")
	}
	logutil.ConfigureLogger(cfg.LogLevel)

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		EnableTracing:    true,
		Environment:      cfg.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}
	sentry.AddGlobalEventProcessor(httputil.TagStatusCode)

	env, err := newEnvironment(context.Background(), cfg)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up environment")
	}

	handler, err := env.newHandler()
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error setting up the router")
	}

	server := http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	waitForShutdown := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("port", cfg.Port).Str("storage", cfg.StorageProvider).Msg("listening")
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
	}

	<-waitForShutdown

	// the rest of the environment goes once connections are closed
	env.shutdown()
}

func (e *environment) getHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
