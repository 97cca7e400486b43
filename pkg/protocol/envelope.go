package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FrameType is the mandatory discriminator carried by every frame.
type FrameType string

const (
	TypeUserMessage  FrameType = "user_message"
	TypeAgentTrace   FrameType = "agent_trace"
	TypeInternalComm FrameType = "internal_comm"
	TypeError        FrameType = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrParseFailure = errors.New("parse failure")

// Envelope is the closed set of frames exchanged over a channel.
// Only the types declared in this package implement it.
type Envelope interface {
	FrameType() FrameType
	isEnvelope()
}

type UserMessage struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type AgentTrace struct {
	Agent     TraceAgent `json:"agent"`
	Content   string     `json:"content"`
	Timestamp int64      `json:"timestamp"`
}

type InternalComm struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorFrame struct {
	Message string `json:"message"`
}

func (UserMessage) FrameType() FrameType  { return TypeUserMessage }
func (AgentTrace) FrameType() FrameType   { return TypeAgentTrace }
func (InternalComm) FrameType() FrameType { return TypeInternalComm }
func (ErrorFrame) FrameType() FrameType   { return TypeError }

func (UserMessage) isEnvelope()  {}
func (AgentTrace) isEnvelope()   {}
func (InternalComm) isEnvelope() {}
func (ErrorFrame) isEnvelope()   {}

// IsTerminal reports whether the frame completes an outstanding request.
func IsTerminal(e Envelope) bool {
	switch v := e.(type) {
	case UserMessage:
		return v.Role == RoleAssistant
	case ErrorFrame:
		return true
	default:
		return false
	}
}

type discriminator struct {
	Type *FrameType `json:"type"`
}

// Decode turns one raw payload into a typed envelope. It fails closed: a missing or unknown
// type, malformed JSON, or a variant with invalid fields all yield an error wrapping ErrParseFailure.
func Decode(raw []byte) (Envelope, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrParseFailure, "empty frame")
	}
	var d discriminator
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrapf(ErrParseFailure, "malformed frame: %v", err)
	}
	if d.Type == nil {
		return nil, errors.Wrap(ErrParseFailure, "frame has no type")
	}

	switch *d.Type {
	case TypeUserMessage:
		var m UserMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrapf(ErrParseFailure, "user_message: %v", err)
		}
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return nil, errors.Wrapf(ErrParseFailure, "user_message: invalid role %q", string(m.Role))
		}
		return m, nil
	case TypeAgentTrace:
		var t AgentTrace
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, errors.Wrapf(ErrParseFailure, "agent_trace: %v", err)
		}
		if !t.Agent.Valid() {
			return nil, errors.Wrapf(ErrParseFailure, "agent_trace: unknown agent %q", string(t.Agent))
		}
		return t, nil
	case TypeInternalComm:
		var c InternalComm
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrapf(ErrParseFailure, "internal_comm: %v", err)
		}
		return c, nil
	case TypeError:
		var e ErrorFrame
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrapf(ErrParseFailure, "error: %v", err)
		}
		return e, nil
	default:
		return nil, errors.Wrapf(ErrParseFailure, "unknown frame type %q", string(*d.Type))
	}
}

// OutboundMessage is the only frame the client sends.
type OutboundMessage struct {
	Type      FrameType `json:"type"`
	Content   string    `json:"content"`
	Timestamp int64     `json:"timestamp"`
	Role      Role      `json:"role,omitempty"`
}

func NewOutboundMessage(content string, now time.Time) OutboundMessage {
	return OutboundMessage{
		Type:      TypeUserMessage,
		Content:   content,
		Timestamp: now.UnixMilli(),
		Role:      RoleUser,
	}
}

// Encode serializes an envelope together with its type discriminator.
func Encode(e Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("encode: nil envelope")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	t, _ := json.Marshal(e.FrameType())
	fields["type"] = t
	return json.Marshal(fields)
}

func (m OutboundMessage) Marshal() ([]byte, error) {
	if strings.TrimSpace(string(m.Type)) == "" {
		m.Type = TypeUserMessage
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal outbound message")
	}
	return b, nil
}
