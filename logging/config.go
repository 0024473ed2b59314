package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv creates a logger configuration based on environment variables
func GetConfigFromEnv() Config {
	return ApplyEnv(DefaultConfig)
}

// ApplyEnv overlays SYNC_LOG_LEVEL, SYNC_LOG_FORMAT, SYNC_ENV and
// SYNC_LOG_ADD_SOURCE onto config.
func ApplyEnv(config Config) Config {
	if level := os.Getenv("SYNC_LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("SYNC_LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if env := os.Getenv("SYNC_ENV"); env != "" {
		config.Environment = strings.ToLower(env)
	}

	// Environment-specific defaults
	switch config.Environment {
	case EnvProduction:
		config.AddSource = false
	case EnvTest:
		if config.Format == "" {
			config.Format = "text"
		}
		config.AddSource = false
	case EnvDevelopment:
		if config.Format == "" {
			config.Format = "text"
		}
		config.AddSource = true
	}

	if addSource := os.Getenv("SYNC_LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	return config
}

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

// LevelTrace is more verbose than debug. The engine logs every scheduled
// task at this level.
const LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)

// String returns the string representation of the custom level
func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// NewDynamicLevelVar creates a new dynamic level variable
func NewDynamicLevelVar(initialLevel slog.Level) *DynamicLevelVar {
	levelVar := &slog.LevelVar{}
	levelVar.Set(initialLevel)
	return &DynamicLevelVar{LevelVar: levelVar}
}

// SetFromString sets the level from a string representation
func (d *DynamicLevelVar) SetFromString(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "warning", "error":
		d.Set(ParseLevel(level))
		return true
	default:
		return false
	}
}

// NewLoggerWithDynamicLevel creates a logger whose level can be changed at
// runtime through the returned variable.
func NewLoggerWithDynamicLevel(w io.Writer, config Config) (*Logger, *DynamicLevelVar) {
	levelVar := NewDynamicLevelVar(ParseLevel(config.Level))

	opts := &slog.HandlerOptions{
		Level:     levelVar.LevelVar,
		AddSource: config.AddSource,
	}

	return &Logger{Logger: slog.New(newHandler(w, config, opts))}, levelVar
}
