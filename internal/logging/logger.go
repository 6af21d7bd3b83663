package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "wikicollab"

// NewLogger returns a zap logger for the given level and encoding. An empty
// level means info; format is "json" (default) or "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", format)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]interface{}{"service": serviceName}

	return cfg.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logging: %w", err)
	}
	return parsed, nil
}
