package profiler

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/routine"
)

type Config struct {
	MeasureMode      measure.Mode `yaml:"measure_mode" env:"CALLPROF_MEASURE_MODE" env-default:"wall"`
	TrackAllocations bool         `yaml:"track_allocations" env:"CALLPROF_TRACK_ALLOCATIONS"`
	// ExcludeRoutines lists routines, as "Scope#Name", that are never
	// recorded. Their callees are attributed to the caller.
	ExcludeRoutines []string `yaml:"exclude_routines" env:"CALLPROF_EXCLUDE_ROUTINES" env-separator:","`
	// IncludeContexts, when not empty, is the only set of contexts traced.
	IncludeContexts []string `yaml:"include_contexts" env:"CALLPROF_INCLUDE_CONTEXTS" env-separator:","`
	ExcludeContexts []string `yaml:"exclude_contexts" env:"CALLPROF_EXCLUDE_CONTEXTS" env-separator:","`
	// MaxDepth and MaxNodes bound each context, 0 means unbounded.
	MaxDepth    int    `yaml:"max_depth" env:"CALLPROF_MAX_DEPTH"`
	MaxNodes    int    `yaml:"max_nodes" env:"CALLPROF_MAX_NODES"`
	RootContext string `yaml:"root_context" env:"CALLPROF_ROOT_CONTEXT" env-default:"main"`
}

// LoadConfig reads the configuration from path, if not empty, and then
// from the environment.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("profiler: can't load config: %w", err)
	}
	return cfg, nil
}

func (c Config) excludedRoutines() map[routine.ID]struct{} {
	if len(c.ExcludeRoutines) == 0 {
		return nil
	}
	m := make(map[routine.ID]struct{}, len(c.ExcludeRoutines))
	for _, s := range c.ExcludeRoutines {
		m[routine.ParseID(s)] = struct{}{}
	}
	return m
}

func contextSet(ids []string) map[ContextID]struct{} {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[ContextID]struct{}, len(ids))
	for _, id := range ids {
		m[ContextID(id)] = struct{}{}
	}
	return m
}

// MainContext is the context events belong to until the first switch.
func (c Config) MainContext() ContextID {
	if c.RootContext == "" {
		return "main"
	}
	return ContextID(c.RootContext)
}
