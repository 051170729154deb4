package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

func InitLogger(app string) zerolog.Logger {
	return InitLoggerWith(app, FormatConsole, os.Stdout)
}

// InitLoggerWith builds the process logger for the given format and installs
// it as the global zerolog logger.
func InitLoggerWith(app, format string, out io.Writer) zerolog.Logger {
	w := out
	if format != FormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    noColor(),
		}
	}
	logger := zerolog.New(w).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func noColor() bool {
	_, set := os.LookupEnv("NO_COLOR")
	return set
}
