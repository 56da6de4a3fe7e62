// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLevel names the environment variable holding the default log level.
const EnvLevel = "NIX_INSTALLER_LOG"

// DefaultLevel is used when neither a flag nor EnvLevel sets one.
const DefaultLevel = "warn"

// Setup points the global logger at a console writer on w and sets the
// global level. An empty level falls back to EnvLevel, then DefaultLevel.
func Setup(w io.Writer, level string, noColor bool) error {
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	if level == "" {
		level = DefaultLevel
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.Kitchen,
		NoColor:    noColor,
	}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// ParseLevel accepts trace, debug, info, warn, error and off.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off", "disabled":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q (want trace, debug, info, warn, error or off)", s)
	}
}
