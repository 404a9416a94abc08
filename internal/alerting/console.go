package alerting

import (
	"context"
	"log/slog"
)

// Level maps a severity to a log level.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// ConsoleAlerter writes alerts to the structured log.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a new console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs an alert at the level matching its severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := make([]any, 0, len(fields)+2)
	attrs = append(attrs, "severity", severity.String())
	attrs = append(attrs, fields...)

	c.logger.Log(ctx, severity.Level(), "[ALERT] "+message, attrs...)
	return nil
}
