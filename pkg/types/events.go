package types

import "time"

// EventKind classifies a notification event.
type EventKind string

const (
	EventSignal    EventKind = "SIGNAL"
	EventOpened    EventKind = "OPENED"
	EventModified  EventKind = "MODIFIED"
	EventClosed    EventKind = "CLOSED"
	EventRiskAlert EventKind = "RISK_ALERT"
	EventError     EventKind = "ERROR"
)

// Severity grades a notification event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is a structured notification produced by the engine and handed
// to the notification collaborator fire-and-forget.
type Event struct {
	Kind     EventKind
	Severity Severity
	Symbol   string
	Text     string // rendered message body
	At       time.Time
}
