// Package logutil configures the global zerolog logger.
package logutil

import (
	"os"
	"strings"

	"cloud.google.com/go/compute/metadata"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogger sets up the global logger at the given level. On GCE logs
// are JSON lines carrying a severity field, elsewhere they go to a console
// writer. An unknown level falls back to info.
func ConfigureLogger(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	l := log.With().Caller().Stack().Logger()
	if metadata.OnGCE() {
		l = l.Hook(SeverityHook{})
	} else {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = l.Sample(LevelSampler{Level: lvl})
}

// SeverityHook adds the field Cloud Logging reads the level from.
type SeverityHook struct{}

func (h SeverityHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	e.Str("severity", severity(level))
}

func severity(level zerolog.Level) string {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return "DEBUG"
	case zerolog.InfoLevel:
		return "INFO"
	case zerolog.WarnLevel:
		return "WARNING"
	case zerolog.ErrorLevel:
		return "ERROR"
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return "CRITICAL"
	default:
		return "DEFAULT"
	}
}
