package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. format is "console", "json" or
// "auto"; auto picks the console writer when stdout is a terminal.
func Setup(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	out, err := writer(os.Stdout, format)
	if err != nil {
		return err
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

func writer(f *os.File, format string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		if isTerminal(f) {
			return zerolog.ConsoleWriter{Out: f}, nil
		}
		return f, nil
	case "console":
		return zerolog.ConsoleWriter{Out: f}, nil
	case "json":
		return f, nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
