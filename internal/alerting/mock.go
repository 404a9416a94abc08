package alerting

import (
	"context"
	"slices"
	"sync"
)

// MockAlert is one captured alert. Event is set when the alert was sent
// through AlertEvent.
type MockAlert struct {
	Severity Severity
	Message  string
	Event    AlertEvent
	Fields   []any
}

// Field returns the value of a key/value field.
func (a MockAlert) Field(key string) (any, bool) {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if a.Fields[i] == key {
			return a.Fields[i+1], true
		}
	}
	return nil, false
}

// MockAlerter records alerts in memory. Safe for concurrent use, so the
// dispatcher can alert from several inventories at once in tests.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
}

func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string {
	return "mock"
}

func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	a := MockAlert{
		Severity: severity,
		Message:  message,
		Fields:   slices.Clone(fields),
	}
	if v, ok := a.Field("event"); ok {
		if name, ok := v.(string); ok {
			a.Event = AlertEvent(name)
		}
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()
	return nil
}

// Alerts returns a copy of every captured alert in arrival order.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts)
}

func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// Last returns the most recent alert.
func (m *MockAlerter) Last() (MockAlert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return MockAlert{}, false
	}
	return m.alerts[len(m.alerts)-1], true
}

// Events returns the events of alerts sent through AlertEvent, in order.
func (m *MockAlerter) Events() []AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []AlertEvent
	for _, a := range m.alerts {
		if a.Event != "" {
			events = append(events, a.Event)
		}
	}
	return events
}

// CountEvent returns how many alerts carried event.
func (m *MockAlerter) CountEvent(event AlertEvent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Event == event {
			n++
		}
	}
	return n
}

func (m *MockAlerter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}
