// Package logging provides the structured logger every component in this
// module uses, wrapping logrus the way the teacher's
// infrastructure/logging.Logger does.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with a fixed "service" field so every entry
// a component emits is self-describing once the logs from several runs
// interleave.
type Logger struct {
	*logrus.Logger
	service string
}

// New constructs a Logger at the given level ("debug", "info", "warn",
// "error") and format ("json" or "text"), defaulting to info/json on an
// unrecognized level.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json when unset — the same defaults cmd/elspethd falls back to
// before any config file or flag is consulted.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// Entry returns a base *logrus.Entry tagged with the service name, ready
// to be narrowed further with WithField/WithFields per call site — this is
// what orchestrator.Config.Log, retention.WorkerConfig.Log, and
// retry.FromPolicy all expect.
func (l *Logger) Entry() *logrus.Entry {
	return l.Logger.WithField("service", l.service)
}

// WithRun returns an entry scoped to one run, the field every audit-trail
// log line in this module carries alongside "service".
func (l *Logger) WithRun(runID string) *logrus.Entry {
	return l.Entry().WithField("run_id", runID)
}
