// Package logging centralizes the logrus setup used by cmd/kiro-relay and
// internal/engine, matching the package-level `log "github.com/sirupsen/logrus"`
// usage throughout the teacher repo's own internal packages.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Options configures the process-wide logrus logger.
type Options struct {
	Debug    bool
	ToFile   bool
	FilePath string
}

// Setup configures the standard logrus logger according to Options. Debug
// raises the level to Debug; ToFile tees output to the given file path in
// addition to stderr.
func Setup(opts Options) error {
	level := log.InfoLevel
	if opts.Debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if !opts.ToFile {
		return nil
	}
	path := opts.FilePath
	if path == "" {
		path = "kiro-relay.log"
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warnf("logging: failed to open log file %s, logging to stderr only: %v", path, err)
		return nil
	}
	log.SetOutput(io.MultiWriter(os.Stderr, file))
	return nil
}
