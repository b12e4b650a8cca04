// Package broker carries session lifecycle events between pooler instances
// and the services that follow them.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrClosed = errors.New("broker is closed")

// Event types published on the presence channel.
const (
	EventOnline  = "presence.online"
	EventOffline = "presence.offline"
)

// Message is one event on the bus.
type Message struct {
	Type      string    `json:"type"`
	Workspace string    `json:"workspace"`
	User      string    `json:"user"`
	SessionID string    `json:"session_id"`
	ServerID  string    `json:"server_id"`
	Time      time.Time `json:"time"`
}

// MarshalBinary lets go-redis publish a Message directly.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker is a publish/subscribe transport.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe delivers messages published on channel until ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Close() error
	Type() string
}
