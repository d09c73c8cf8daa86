// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Options selects the level, format and destination of the log stream.
type Options struct {
	Level  string // trace, debug, info, warn(ing), error, fatal
	Format string // text or json
	File   string // empty logs to stderr
}

// Setup applies opts to the standard logrus logger. The returned closer
// releases the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	return configure(logrus.StandardLogger(), opts)
}

func configure(logger *logrus.Logger, opts Options) (io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	switch opts.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	default:
		return nil, fmt.Errorf("log format %q not recognized", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", opts.File, err)
		}
		logger.SetOutput(f)
		log.SetOutput(f)
		closer = f
	}

	logger.SetLevel(level)
	return closer, nil
}

func parseLevel(s string) (logrus.Level, error) {
	switch s {
	case "":
		return logrus.InfoLevel, nil
	case "warning":
		return logrus.WarnLevel, nil
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("log level %q not recognized", s)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
