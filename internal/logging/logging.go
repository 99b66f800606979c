// Package logging builds the zap loggers used across the sync layer.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production logger writing JSON to stderr.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// NewDevelopment returns a console logger for local debugging.
func NewDevelopment() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// Nop returns a logger that discards everything. Tests pass it to
// components that require a logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
