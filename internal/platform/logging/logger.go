// Package logging wraps logrus with the service's conventions: JSON
// formatting, a process-wide service field, and type aliases so callers
// never import logrus directly.
package logging

import (
	"github.com/sirupsen/logrus"

	"usagemeter/internal/platform/config"
)

// Logger is the shared logger type used across the service.
type Logger = *logrus.Logger

// Fields is structured logging key-value data.
type Fields = logrus.Fields

// NewLogger creates a JSON-formatted logger at the level configured by LOG_LEVEL.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService returns a logger that stamps every entry with a service field.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	return logger.WithField("service", serviceName).Logger
}
