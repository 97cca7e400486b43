package protocol

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ChannelKey addresses one logical connection. An empty Agent denotes the control channel.
type ChannelKey struct {
	ClientID string
	Agent    AgentID
}

func ControlKey(clientID string) ChannelKey {
	return ChannelKey{ClientID: clientID}
}

func AgentKey(clientID string, agent AgentID) ChannelKey {
	return ChannelKey{ClientID: clientID, Agent: agent}
}

func (k ChannelKey) IsControl() bool {
	return k.Agent == ""
}

func (k ChannelKey) Validate() error {
	if strings.TrimSpace(k.ClientID) == "" {
		return errors.New("channel key: empty client id")
	}
	if !k.IsControl() && !k.Agent.Valid() {
		return errors.Wrapf(ErrUnknownAgent, "channel key: %q", string(k.Agent))
	}
	return nil
}

// String is used as the channel label in logs and state events.
func (k ChannelKey) String() string {
	if k.IsControl() {
		return "control"
	}
	return "agent:" + string(k.Agent)
}

// Path returns the websocket path the backend serves this channel on.
func (k ChannelKey) Path() string {
	return k.path(url.PathEscape)
}

func (k ChannelKey) path(escape func(string) string) string {
	p := "/ws/" + escape(k.ClientID)
	if !k.IsControl() {
		p += "/agent/" + escape(string(k.Agent))
	}
	return p
}

// URL resolves the channel endpoint against a base such as ws://localhost:8000.
func (k ChannelKey) URL(base string) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", errors.Wrap(err, "parse websocket base url")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	prefix := strings.TrimRight(u.Path, "/")
	u.Path = prefix + k.path(func(s string) string { return s })
	u.RawPath = prefix + k.Path()
	return u.String(), nil
}
