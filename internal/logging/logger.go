// Package logging holds the process-wide structured logger. Until
// Initialize is called every logger is a no-op, so library packages can log
// unconditionally and tests stay quiet.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var (
	Logger = zap.NewNop()
	Sugar  = Logger.Sugar()
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console"
}

// Initialize sets up the global logger from LOG_LEVEL and LOG_FORMAT.
func Initialize() error {
	return InitializeWithConfig(LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	})
}

// InitializeWithConfig sets up the global logger with provided configuration
func InitializeWithConfig(config LogConfig) error {
	var zapConfig zap.Config
	switch strings.ToLower(config.Format) {
	case "json":
		zapConfig = zap.NewProductionConfig()
	default:
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(strings.ToLower(config.Level))
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = level

	logger, err := zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return err
	}
	Set(logger)
	return nil
}

// Set replaces the global logger. Tests use it to install an observer.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	Logger = l
	Sugar = l.Sugar()
}

// Sync flushes any buffered log entries. Errors from syncing a terminal
// stderr are expected on some platforms and ignored.
func Sync() {
	_ = Logger.Sync()
}

// Named returns a child of the global logger tagged with a component field.
func Named(component string) *zap.Logger {
	return Logger.With(zap.String("component", component))
}

// LogPipelineEvent logs a state transition or milestone of an utterance run.
func LogPipelineEvent(session, state string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("component", "pipeline"),
		zap.String("session", session),
		zap.String("state", state),
	}
	Logger.Info("pipeline event", append(base, fields...)...)
}

// LogBundleEvent logs a preparation cache decision for an identity.
func LogBundleEvent(identity, action string, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("component", "bundle"),
		zap.String("identity", identity),
		zap.String("action", action),
	}
	Logger.Info("bundle event", append(base, fields...)...)
}

// LogError logs an error with structured context
func LogError(err error, message string, fields ...zap.Field) {
	Logger.Error(message, append([]zap.Field{zap.Error(err)}, fields...)...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
