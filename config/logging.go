package config

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is a logrus level name.
	Level string `json:"level" yaml:"level"`
	// Format is text or json.
	Format string `json:"format" yaml:"format"`
}

// Validate checks the logging section.
func (l LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return invalid("logging.level", "%v", err)
	}
	if l.Format != "text" && l.Format != "json" {
		return invalid("logging.format", "must be text or json, got %q", l.Format)
	}
	return nil
}

// NewLogger builds a logger writing to out.
func (l LoggingConfig) NewLogger(out io.Writer) (*logrus.Logger, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	level, _ := logrus.ParseLevel(l.Level)

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	if l.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return DiscardLogger()
	}
	return log
}
