package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/callprof/internal/logutil"
)

type config struct {
	BlobURL       string `env:"CALLPROF_BLOB_URL" env-default:"file:///var/lib/callprof"`
	Prefix        string `env:"CALLPROF_PROFILES_PREFIX" env-default:"profiles/"`
	RetentionDays int    `env:"CALLPROF_RETENTION_DAYS" env-default:"90"`
	Schedule      string `env:"CALLPROF_CLEANUP_SCHEDULE" env-default:"@daily"`
	SentryDSN     string `env:"SENTRY_DSN"`
	LogLevel      string `env:"CALLPROF_LOG_LEVEL" env-default:"info"`
}

// cleanup deletes the objects under prefix last modified before timeLimit
// and returns how many it deleted.
func cleanup(ctx context.Context, bucket *blob.Bucket, prefix string, timeLimit time.Time) (int, error) {
	var deleted int
	it := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return deleted, nil
		}
		if err != nil {
			return deleted, err
		}
		if obj.IsDir || !timeLimit.After(obj.ModTime) {
			continue
		}
		if err := bucket.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
}

func main() {
	var cfg config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		logutil.ConfigureLogger("info")
		log.Fatal().Err(err).Msg("can't read configuration")
	}
	logutil.ConfigureLogger(cfg.LogLevel)

	err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	bucket, err := blob.OpenBucket(context.Background(), cfg.BlobURL)
	if err != nil {
		log.Fatal().Err(err).Msg("can't open bucket")
	}
	defer bucket.Close()

	retention := 24 * time.Hour * time.Duration(cfg.RetentionDays)
	c := cron.New()
	_, err = c.AddFunc(cfg.Schedule, func() {
		timeLimit := time.Now().Add(-retention)
		deleted, err := cleanup(context.Background(), bucket, cfg.Prefix, timeLimit)
		if err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("error cleaning up profiles")
			return
		}
		log.Info().Int("deleted", deleted).Time("before", timeLimit).Msg("cleaned up profiles")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't set up cron function")
	}

	exitSignal := make(chan os.Signal, 1)
	signal.Notify(exitSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-exitSignal

		c.Stop()
	}()

	c.Run()
	sentry.Flush(5 * time.Second)
}
