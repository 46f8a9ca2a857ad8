package models

import "time"

// EventType classifies gateway events delivered to devices.
type EventType string

const (
	EventMessage EventType = "message"
	EventSystem  EventType = "system"
	EventStatus  EventType = "status"
)

// Event is a gateway event addressed to a single device and delivered by
// long-polling. IDs are assigned by the store and form a total order over all
// events; devices poll with a cursor and acknowledge up to an id.
type Event struct {
	ID             int64          `json:"id"`
	Type           EventType      `json:"type"`
	Time           time.Time      `json:"time"`
	Status         string         `json:"status,omitempty"`
	Source         string         `json:"source,omitempty"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	AckedAt        *time.Time     `json:"-"`
	TargetDeviceID string         `json:"-"`
}

// Expired reports whether the event is past its expiry at the given instant.
// Events without an expiry never expire.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}
