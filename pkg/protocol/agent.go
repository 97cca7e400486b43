package protocol

import (
	"strings"

	"github.com/pkg/errors"
)

// AgentID identifies one of the specialized responders an agent channel can be opened against.
type AgentID string

const (
	AgentTaskManager AgentID = "task_manager"
	AgentResearch    AgentID = "research"
	AgentCreative    AgentID = "creative"
)

// TraceAgent is the display name the backend uses in agent_trace frames.
type TraceAgent string

const (
	TraceTaskManager TraceAgent = "TaskManager"
	TraceResearch    TraceAgent = "Research"
	TraceCreative    TraceAgent = "Creative"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Agents returns the fixed set of agent identities in display order.
func Agents() []AgentID {
	return []AgentID{AgentTaskManager, AgentResearch, AgentCreative}
}

func (a AgentID) Valid() bool {
	switch a {
	case AgentTaskManager, AgentResearch, AgentCreative:
		return true
	default:
		return false
	}
}

// TraceName maps the channel identity onto the name used by trace frames.
func (a AgentID) TraceName() TraceAgent {
	switch a {
	case AgentTaskManager:
		return TraceTaskManager
	case AgentResearch:
		return TraceResearch
	case AgentCreative:
		return TraceCreative
	default:
		return ""
	}
}

// DisplayName is the human readable agent name used in notifications.
func (a AgentID) DisplayName() string {
	switch a {
	case AgentTaskManager:
		return "Task Manager"
	case AgentResearch:
		return "Research"
	case AgentCreative:
		return "Creative"
	default:
		return string(a)
	}
}

func (t TraceAgent) Valid() bool {
	switch t {
	case TraceTaskManager, TraceResearch, TraceCreative:
		return true
	default:
		return false
	}
}

// ParseAgentID accepts either the channel identity ("task_manager") or the trace name ("TaskManager").
func ParseAgentID(s string) (AgentID, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return "", errors.Wrap(ErrUnknownAgent, "empty agent name")
	}
	for _, a := range Agents() {
		if strings.EqualFold(v, string(a)) || strings.EqualFold(v, string(a.TraceName())) {
			return a, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownAgent, "%q", s)
}
