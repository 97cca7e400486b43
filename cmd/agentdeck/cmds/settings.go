package cmds

import (
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/agentdeck/pkg/identity"
	"github.com/go-go-golems/agentdeck/pkg/redisstream"
)

const AgentdeckSlug = "agentdeck"

type AgentdeckSettings struct {
	ServerURL          string `glazed:"server-url"`
	APIURL             string `glazed:"api-url"`
	MaxAttempts        int    `glazed:"max-attempts"`
	RetryDelayMs       int    `glazed:"retry-delay-ms"`
	HandshakeTimeoutMs int    `glazed:"handshake-timeout-ms"`
	NotifyCooldownMs   int    `glazed:"notify-cooldown-ms"`
	ProbeIntervalS     int    `glazed:"probe-interval"`

	Identity identity.StoreSettings
	Redis    redisstream.Settings
}

func (s *AgentdeckSettings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMs) * time.Millisecond
}

func (s *AgentdeckSettings) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutMs) * time.Millisecond
}

func (s *AgentdeckSettings) NotifyCooldown() time.Duration {
	return time.Duration(s.NotifyCooldownMs) * time.Millisecond
}

func (s *AgentdeckSettings) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalS) * time.Second
}

// NewAgentdeckSection describes the backend endpoints, the retry policy and the identity store.
func NewAgentdeckSection() (schema.Section, error) {
	return schema.NewSection(
		AgentdeckSlug,
		"Agent backend connection settings",
		schema.WithFields(
			fields.New("server-url", fields.TypeString,
				fields.WithDefault("ws://localhost:8000"),
				fields.WithHelp("Websocket base URL of the agent backend")),
			fields.New("api-url", fields.TypeString,
				fields.WithDefault("http://localhost:8000"),
				fields.WithHelp("HTTP base URL for /status, /health and /process")),
			fields.New("max-attempts", fields.TypeInteger,
				fields.WithDefault(3),
				fields.WithHelp("Reconnect attempts before a channel is marked failed")),
			fields.New("retry-delay-ms", fields.TypeInteger,
				fields.WithDefault(3000),
				fields.WithHelp("Delay between reconnect attempts")),
			fields.New("handshake-timeout-ms", fields.TypeInteger,
				fields.WithDefault(10000),
				fields.WithHelp("Websocket handshake timeout")),
			fields.New("notify-cooldown-ms", fields.TypeInteger,
				fields.WithDefault(5000),
				fields.WithHelp("Minimum gap between two notifications of the same severity")),
			fields.New("probe-interval", fields.TypeInteger,
				fields.WithDefault(30),
				fields.WithHelp("Seconds between backend status probes")),
			fields.New("identity-store", fields.TypeString,
				fields.WithDefault(identity.StoreFile),
				fields.WithHelp("Where the client id is kept: file, memory, sqlite or redis")),
			fields.New("identity-file", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Identity file (defaults to the user config dir)")),
			fields.New("identity-dsn", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite DSN for the sqlite identity store")),
			fields.New("identity-redis-addr", fields.TypeString,
				fields.WithDefault("localhost:6379"),
				fields.WithHelp("Redis address for the redis identity store")),
		),
	)
}

// sections returns the agentdeck and redis sections every command carries.
func sections() ([]schema.Section, error) {
	agentdeck, err := NewAgentdeckSection()
	if err != nil {
		return nil, errors.Wrap(err, "build agentdeck section")
	}
	redis, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	return []schema.Section{agentdeck, redis}, nil
}

func decodeSettings(parsedLayers *values.Values) (*AgentdeckSettings, error) {
	s := &AgentdeckSettings{}
	if err := parsedLayers.DecodeSectionInto(AgentdeckSlug, s); err != nil {
		return nil, errors.Wrap(err, "decode agentdeck settings")
	}
	if err := parsedLayers.DecodeSectionInto(AgentdeckSlug, &s.Identity); err != nil {
		return nil, errors.Wrap(err, "decode identity settings")
	}
	if err := parsedLayers.DecodeSectionInto(redisstream.SectionSlug, &s.Redis); err != nil {
		return nil, errors.Wrap(err, "decode redis settings")
	}
	return s, nil
}
