package main

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/callprof/internal/profiler"
)

type ServiceConfig struct {
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `yaml:"sentry_dsn" env:"SENTRY_DSN"`
	Port        string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel    string `yaml:"log_level" env:"CALLPROF_LOG_LEVEL" env-default:"info"`

	// StorageProvider is one of gcs, badger or blob.
	StorageProvider string `yaml:"storage_provider" env:"CALLPROF_STORAGE_PROVIDER" env-default:"blob"`
	ProfilesBucket  string `yaml:"profiles_bucket" env:"CALLPROF_PROFILES_BUCKET" env-default:"callprof-profiles"`
	BadgerPath      string `yaml:"badger_path" env:"CALLPROF_BADGER_PATH"`
	BlobURL         string `yaml:"blob_url" env:"CALLPROF_BLOB_URL" env-default:"mem://"`

	KafkaBrokers        []string `yaml:"kafka_brokers" env:"CALLPROF_KAFKA_BROKERS" env-separator:","`
	CallTreesKafkaTopic string   `yaml:"call_trees_kafka_topic" env:"CALLPROF_CALL_TREES_KAFKA_TOPIC" env-default:"profiles-call-tree"`

	MaxUniqueFunctions uint `yaml:"max_unique_functions" env:"CALLPROF_MAX_UNIQUE_FUNCTIONS" env-default:"100"`

	Profiler profiler.Config `yaml:"profiler"`
}

// loadServiceConfig reads path, if set, and then the environment.
func loadServiceConfig(path string) (ServiceConfig, error) {
	var cfg ServiceConfig
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("can't load service config: %w", err)
	}
	switch cfg.StorageProvider {
	case "gcs", "badger", "blob":
	default:
		return cfg, fmt.Errorf("unknown storage provider %q", cfg.StorageProvider)
	}
	return cfg, nil
}
