package cortex

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with the session/component field helpers this
// module's subsystems attach, generalized from r3e's
// infrastructure/logging.Logger (service/trace/user fields collapsed to
// this domain's session/component fields).
type Logger struct {
	*logrus.Logger
}

// NewLogger builds a Logger from a LoggingConfig: JSON or text formatter
// selected by format, level parsed with a fallback to info, and a discard
// writer when logging is disabled.
func NewLogger(cfg LoggingConfig) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if !cfg.Enabled {
		logger.SetOutput(io.Discard)
	}

	return &Logger{Logger: logger}
}

// WithSession attaches a sessionId field, mirroring r3e's WithTraceID.
func (l *Logger) WithSession(sessionID string) *logrus.Entry {
	return l.Logger.WithField("sessionId", sessionID)
}

// WithComponent attaches a component field identifying the emitting
// subsystem (e.g. "capability_registry", "rule_engine").
func (l *Logger) WithComponent(name string) *logrus.Entry {
	return l.Logger.WithField("component", name)
}
