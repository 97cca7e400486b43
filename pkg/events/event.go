// Package events publishes the client's reactive state (logs, connection badges, gates,
// notifications) as JSON messages on a watermill topic so any UI can subscribe to it.
package events

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

const DefaultTopic = "agentdeck.state"

type Kind string

const (
	KindMessage      Kind = "message"
	KindTrace        Kind = "trace"
	KindComm         Kind = "comm"
	KindConnection   Kind = "connection"
	KindGate         Kind = "gate"
	KindReset        Kind = "reset"
	KindNotification Kind = "notification"
	KindStatus       Kind = "status"
)

type Connection struct {
	State       string `json:"state"`
	IsConnected bool   `json:"isConnected"`
	LastError   string `json:"lastError,omitempty"`
	Attempts    int    `json:"attempts"`
	Parked      bool   `json:"parked,omitempty"`
}

type Notification struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

type Status struct {
	Status               string `json:"status"`
	ServiceInstalled     bool   `json:"autogen_installed"`
	CredentialConfigured bool   `json:"openai_api_key_configured"`
}

// StateEvent is one state change. Exactly one payload field is set, matching Kind;
// reset events carry none.
type StateEvent struct {
	Kind     Kind   `json:"kind"`
	ClientID string `json:"client_id"`
	// Channel is the ChannelKey label ("control" or "agent:<id>"); empty for client-wide events.
	Channel   string `json:"channel,omitempty"`
	Timestamp int64  `json:"timestamp"`

	Message      *protocol.UserMessage  `json:"message,omitempty"`
	Trace        *protocol.AgentTrace   `json:"trace,omitempty"`
	Comm         *protocol.InternalComm `json:"comm,omitempty"`
	Connection   *Connection            `json:"connection,omitempty"`
	GateBusy     *bool                  `json:"gate_busy,omitempty"`
	Notification *Notification          `json:"notification,omitempty"`
	Status       *Status                `json:"status,omitempty"`
}

func (e StateEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (StateEvent, error) {
	var e StateEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return StateEvent{}, errors.Wrap(err, "decode state event")
	}
	if e.Kind == "" {
		return StateEvent{}, errors.New("decode state event: missing kind")
	}
	return e, nil
}

// Sink receives state events. Implementations must not block for long; they are called
// from connection reader goroutines.
type Sink interface {
	Publish(e StateEvent) error
}

type SinkFunc func(e StateEvent) error

func (f SinkFunc) Publish(e StateEvent) error { return f(e) }

// Fanout publishes to every sink and returns the first error.
type Fanout []Sink

func (f Fanout) Publish(e StateEvent) error {
	var first error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
