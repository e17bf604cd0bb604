// Package applog builds the daemon's structured logger.
package applog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// BuildInfo carries the static fields attached to every log line.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// New returns a logrus.Entry with build metadata attached as fields.
// debug switches between a JSON-to-file development logger and a
// discard-by-default production logger; logDir is only consulted when
// debug is true.
func New(debug bool, logDir string, info BuildInfo) *logrus.Entry {
	var log *logrus.Logger
	if debug || os.Getenv("DEBUG") == "TRUE" {
		log = newDevelopmentLogger(logDir)
	} else {
		log = newProductionLogger()
	}
	log.Formatter = &logrus.JSONFormatter{}

	return log.WithFields(logrus.Fields{
		"debug":     debug,
		"version":   info.Version,
		"commit":    info.Commit,
		"buildDate": info.BuildDate,
	})
}

func level() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	lvl, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return lvl
}

func newDevelopmentLogger(logDir string) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(level())

	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err == nil {
		file, err := os.OpenFile(filepath.Join(logDir, "sandboxd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err == nil {
			log.SetOutput(file)
			return log
		}
	}
	log.SetOutput(os.Stderr)
	return log
}

func newProductionLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.SetLevel(logrus.ErrorLevel)
	return log
}
