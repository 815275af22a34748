// Package websocket pushes download events to browsers over WebSocket and SSE
package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shepherd-project/modelfetch/internal/progress"
)

// EventType represents the type of a pushed event
type EventType string

const (
	EventTypeConnected      EventType = "connected"
	EventTypeHeartbeat      EventType = "heartbeat"
	EventTypeSystemStatus   EventType = "systemStatus"
	EventTypeDownloadUpdate EventType = "download_update"
	EventTypeDownloadState  EventType = "download_state"
)

// Event is one message sent to a client
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	// Download events carry the engine event unchanged
	Download *progress.Event `json:"data,omitempty"`

	ConnectionID    string `json:"connectionId,omitempty"`
	Connections     int    `json:"connections,omitempty"`
	ActiveDownloads int    `json:"activeDownloads,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":%q}`, err.Error())
	}
	return string(data)
}

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent() *Event {
	return NewEvent(EventTypeHeartbeat)
}

// NewConnectedEvent greets a new connection with its id
func NewConnectedEvent(connID string) *Event {
	event := NewEvent(EventTypeConnected)
	event.ConnectionID = connID
	return event
}

// NewSystemStatusEvent creates a system status event
func NewSystemStatusEvent(connections, activeDownloads int) *Event {
	event := NewEvent(EventTypeSystemStatus)
	event.Connections = connections
	event.ActiveDownloads = activeDownloads
	return event
}

// NewDownloadEvent wraps an engine event
func NewDownloadEvent(e progress.Event) *Event {
	eventType := EventTypeDownloadUpdate
	if e.Kind == progress.KindState {
		eventType = EventTypeDownloadState
	}
	event := NewEvent(eventType)
	event.Download = &e
	return event
}
