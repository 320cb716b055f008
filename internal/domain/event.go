package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType is the realtime wire event name.
type EventType string

const (
	EventNotificationNew    EventType = "notification:new"
	EventNotificationRead   EventType = "notification:read"
	EventUnreadCount        EventType = "notifications:unread-count"
	EventPreferencesUpdated EventType = "preferences:updated"
	EventTyping             EventType = "typing"
	EventPresence           EventType = "presence"
)

func (t EventType) String() string { return string(t) }

func (t EventType) IsValid() bool {
	switch t {
	case EventNotificationNew, EventNotificationRead, EventUnreadCount,
		EventPreferencesUpdated, EventTyping, EventPresence:
		return true
	}
	return false
}

// Ephemeral events are delivered only to live sockets and never buffered
// for offline recipients.
func (t EventType) Ephemeral() bool {
	return t == EventTyping || t == EventPresence
}

// Event is one realtime message addressed to a recipient.
type Event struct {
	Type        EventType         `json:"type"`
	RecipientID string            `json:"recipientId"`
	Payload     map[string]string `json:"payload,omitempty"`
}

func (e Event) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: invalid event type %q", ErrValidation, e.Type)
	}
	if strings.TrimSpace(e.RecipientID) == "" {
		return fmt.Errorf("%w: event recipient id is required", ErrValidation)
	}
	return nil
}

// InboxMessage is the durable in-app notification shown in a recipient's
// inbox.
type InboxMessage struct {
	ID          string
	RecipientID string
	RequestID   string
	Category    string
	Body        string
	Read        bool
	CreatedAt   time.Time
}
