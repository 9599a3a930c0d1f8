package obs

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the JSON logger shared by the HTTP layer, the audit
// recorder and the notification dispatcher. It is constructed once in main
// and passed explicitly.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	level = strings.TrimSpace(level)
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", level, err)
		}
		cfg.Level.SetLevel(lvl)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	return cfg.Build()
}
