// Package alerting notifies operators about ledger faults and session results.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventInvariantViolation is sent when an accounting invariant breaks.
	EventInvariantViolation AlertEvent = "invariant_violation"
	// EventInventoryHalted is sent when an inventory stops accepting mutations.
	EventInventoryHalted AlertEvent = "inventory_halted"
	// EventOrderRejected is sent when the venue rejects a request.
	EventOrderRejected AlertEvent = "order_rejected"
	// EventUnmatchedReports is sent when reports keep arriving for unknown uids.
	EventUnmatchedReports AlertEvent = "unmatched_reports"
	// EventConnectionLost is sent when the venue connection is lost.
	EventConnectionLost AlertEvent = "connection_lost"
	// EventSessionStarted is sent when a session starts.
	EventSessionStarted AlertEvent = "session_started"
	// EventSessionStopped is sent when a session stops.
	EventSessionStopped AlertEvent = "session_stopped"
	// EventSessionSummary carries the final ledger state of a session.
	EventSessionSummary AlertEvent = "session_summary"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventInvariantViolation:
		return SeverityCritical
	case EventInventoryHalted:
		return SeverityHigh
	case EventOrderRejected, EventUnmatchedReports, EventConnectionLost:
		return SeverityWarning
	case EventSessionStarted, EventSessionStopped, EventSessionSummary:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// ParseEvent parses a configured event name.
func ParseEvent(s string) (AlertEvent, bool) {
	switch e := AlertEvent(s); e {
	case EventInvariantViolation, EventInventoryHalted, EventOrderRejected,
		EventUnmatchedReports, EventConnectionLost, EventSessionStarted,
		EventSessionStopped, EventSessionSummary:
		return e, true
	default:
		return "", false
	}
}
