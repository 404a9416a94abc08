package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MultiAlerter sends alerts to multiple channels.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	events   map[AlertEvent]bool // nil sends every event
	logger   *slog.Logger
}

// NewMultiAlerter creates a new multi-channel alerter.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{
		alerters: alerters,
		logger:   logger,
	}
}

// Name returns the name of the alerter.
func (m *MultiAlerter) Name() string {
	return "multi"
}

// AddAlerter adds a new alerter to the multi-alerter.
func (m *MultiAlerter) AddAlerter(alerter Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, alerter)
}

// SetEvents restricts AlertEvent to the given events. No events means all.
func (m *MultiAlerter) SetEvents(events ...AlertEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(events) == 0 {
		m.events = nil
		return
	}
	m.events = make(map[AlertEvent]bool, len(events))
	for _, e := range events {
		m.events[e] = true
	}
}

// Enabled reports whether event passes the event filter.
func (m *MultiAlerter) Enabled(event AlertEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events == nil || m.events[event]
}

// Alert sends an alert to all configured channels.
// Returns an error if any channel fails (errors are joined).
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	m.mu.RLock()
	alerters := make([]Alerter, len(m.alerters))
	copy(alerters, m.alerters)
	m.mu.RUnlock()

	if len(alerters) == 0 {
		return nil
	}

	errs := make([]error, len(alerters))
	var wg sync.WaitGroup

	for i, alerter := range alerters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := alerter.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alerter failed",
					"alerter", alerter.Name(),
					"severity", severity.String(),
					"err", err,
				)
				errs[i] = fmt.Errorf("%s: %w", alerter.Name(), err)
			}
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}

// AlertEvent sends an alert for a predefined event type, unless the event
// is filtered out.
func (m *MultiAlerter) AlertEvent(ctx context.Context, event AlertEvent, message string, fields ...any) error {
	if !m.Enabled(event) {
		return nil
	}
	fields = append([]any{"event", string(event)}, fields...)
	return m.Alert(ctx, EventSeverity(event), message, fields...)
}
