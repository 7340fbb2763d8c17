// Package logging provides structured logging for the agent, modeled on
// infrastructure/logging/logger.go from the service_layer codebase.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/waldur/site-agent/internal/config"
)

// ContextKey namespaces values stored on a context.Context.
type ContextKey string

const (
	OfferingKey ContextKey = "offering"
	ModeKey     ContextKey = "mode"
	TraceIDKey  ContextKey = "trace_id"
)

// Logger wraps logrus.Logger with agent-specific field helpers.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger at the given level ("debug", "info", ...) and format ("json", "text").
func New(level, format string) *Logger {
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
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv() *Logger {
	level := config.GetEnv("LOG_LEVEL", "info")
	format := config.GetEnv("LOG_FORMAT", "json")
	return New(level, format)
}

// WithOffering scopes a logger to one offering for the remainder of a call chain.
func (l *Logger) WithOffering(offeringName string) *logrus.Entry {
	return l.WithField("offering", offeringName)
}

// WithContext extracts offering/mode/trace fields stashed on ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)
	if v := ctx.Value(OfferingKey); v != nil {
		entry = entry.WithField("offering", v)
	}
	if v := ctx.Value(ModeKey); v != nil {
		entry = entry.WithField("mode", v)
	}
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	return entry
}

// WithOffering stashes an offering name on the context for downstream logging.
func WithOffering(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, OfferingKey, name)
}

// WithMode stashes the agent mode on the context for downstream logging.
func WithMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, ModeKey, mode)
}
