package model

import (
	"strings"
	"time"
)

// EventType is a versioned NATS subject naming a lead operation.
type EventType string

const (
	V1LeadsSubmit EventType = "v1.leads.submit"
	V1LeadsDelete EventType = "v1.leads.delete"
)

var knownEventTypes = map[EventType]struct{}{
	V1LeadsSubmit: {},
	V1LeadsDelete: {},
}

// MapToBaseEventType maps a subject to a known EventType. Publishers may append
// one trailing token identifying the source (e.g. "v1.leads.submit.kiosk-7");
// it is stripped before matching.
func MapToBaseEventType(input string) (EventType, bool) {
	if _, ok := knownEventTypes[EventType(input)]; ok {
		return EventType(input), true
	}

	lastDotIndex := strings.LastIndex(input, ".")
	if lastDotIndex <= 0 {
		return "", false
	}

	base := EventType(input[:lastDotIndex])
	if _, ok := knownEventTypes[base]; ok {
		return base, true
	}
	return "", false
}

// SourceFromSubject returns the trailing source token of a subject, if any.
func SourceFromSubject(subject string) string {
	base, ok := MapToBaseEventType(subject)
	if !ok || string(base) == subject {
		return ""
	}
	return strings.TrimPrefix(subject, string(base)+".")
}

// GetVersion extracts the version prefix, e.g. "v1", or "" when absent.
func (e EventType) GetVersion() string {
	parts := strings.SplitN(string(e), ".", 2)
	if len(parts) < 2 {
		return ""
	}
	if len(parts[0]) >= 2 && parts[0][0] == 'v' {
		return parts[0]
	}
	return ""
}

// GetBaseType returns the event type without the version prefix.
// For example: "v1.leads.submit" -> "leads.submit"
func (e EventType) GetBaseType() EventType {
	version := e.GetVersion()
	if version == "" {
		return e
	}
	return EventType(strings.TrimPrefix(string(e), version+"."))
}

// MessageMetadata is the JetStream delivery metadata attached to an event.
type MessageMetadata struct {
	ConsumerSequence uint64
	StreamSequence   uint64
	NumDelivered     uint64
	NumPending       uint64
	Timestamp        time.Time
	Stream           string
	Consumer         string
	MessageID        string
	MessageSubject   string
}
