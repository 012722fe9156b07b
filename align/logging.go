package align

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevelEnv overrides the configured log level when set
const LogLevelEnv = "SLICEALIGN_LOG_LEVEL"

// InitLogger builds the process logger and installs it as log.Logger, which
// the align package logs through. pretty selects the console writer,
// otherwise JSON lines are written.
func InitLogger(app, level string, pretty bool) zerolog.Logger {
	return initLogger(os.Stdout, app, level, pretty)
}

func initLogger(w io.Writer, app, level string, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	if env := os.Getenv(LogLevelEnv); env != "" {
		level = env
	}
	logger := zerolog.New(w).
		Level(ParseLogLevel(level)).
		With().
		Timestamp().
		Str("app", app).
		Logger()
	log.Logger = logger
	return logger
}

// ParseLogLevel maps a level name to zerolog; unknown names give info
func ParseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
