// Package dispatch classifies inbound frames and routes them to the state owned by a channel.
package dispatch

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/notify"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

// Target owns the logs and the request gate of every channel.
type Target interface {
	AppendMessage(key protocol.ChannelKey, m protocol.UserMessage)
	AppendTrace(key protocol.ChannelKey, t protocol.AgentTrace)
	AppendComm(key protocol.ChannelKey, c protocol.InternalComm)
	// ReleaseGate must be idempotent.
	ReleaseGate(key protocol.ChannelKey)
}

type Dispatcher struct {
	target   Target
	notifier notify.Notifier
	now      func() time.Time
}

func New(target Target, notifier notify.Notifier, now func() time.Time) (*Dispatcher, error) {
	if target == nil {
		return nil, errors.New("dispatcher: target is nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{target: target, notifier: notifier, now: now}, nil
}

// ErrorEntry is the conversation entry recorded for a failed request.
func ErrorEntry(message string, now time.Time) protocol.UserMessage {
	return protocol.UserMessage{
		Role:      protocol.RoleAssistant,
		Content:   "Error: " + message,
		Timestamp: now.UnixMilli(),
	}
}

// Dispatch decodes one payload and routes it. Parse failures are logged and dropped and
// leave every log, gate and connection state untouched; the error is returned for callers
// that count them.
func (d *Dispatcher) Dispatch(key protocol.ChannelKey, raw []byte) (protocol.Envelope, error) {
	env, err := protocol.Decode(raw)
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "dispatch").
			Str("channel", key.String()).
			Int("bytes", len(raw)).
			Msg("dropping unparseable frame")
		return nil, err
	}

	switch v := env.(type) {
	case protocol.UserMessage:
		d.target.AppendMessage(key, v)
		if v.Role == protocol.RoleAssistant {
			d.target.ReleaseGate(key)
		}
	case protocol.AgentTrace:
		// Trace frames never complete a request, whichever agent emits them.
		d.target.AppendTrace(key, v)
	case protocol.InternalComm:
		d.target.AppendComm(key, v)
	case protocol.ErrorFrame:
		d.FailRequest(key, v.Message)
	}
	log.Debug().
		Str("component", "dispatch").
		Str("channel", key.String()).
		Str("type", string(env.FrameType())).
		Msg("frame dispatched")
	return env, nil
}

// FailRequest applies the error-frame policy: a throttled notification, an inline error entry
// in the conversation, and release of the gate.
func (d *Dispatcher) FailRequest(key protocol.ChannelKey, message string) {
	if d.notifier != nil {
		d.notifier.Notify(message, notify.SeverityError)
	}
	d.target.AppendMessage(key, ErrorEntry(message, d.now()))
	d.target.ReleaseGate(key)
}
