// Package logging provides the one process-wide structured logging sink
// this core permits as the sole exception to "no hidden globals": every
// other component takes its dependencies by constructor injection, but a
// logger is threaded everywhere and a package-level default avoids forcing
// every call site to carry one explicitly.
package logging

import (
	log "github.com/sirupsen/logrus"
)

var process = log.New()

func init() {
	process.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
}

// Process returns the process-wide logger.
func Process() *log.Logger { return process }

// SetLevel parses and applies level (e.g. "debug", "info", "warn", "error")
// to the process-wide logger, defaulting to info on an unrecognized value.
func SetLevel(level string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	process.SetLevel(parsed)
}

// Component returns an entry scoped to name, the pattern every package in
// this core uses instead of calling Process() directly.
func Component(name string) *log.Entry {
	return process.WithField("component", name)
}
