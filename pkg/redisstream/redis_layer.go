package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Settings selects the state bus transport. With Enabled false the bus stays in-process.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled"`
	Addr     string `glazed:"redis-addr"`
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "agentdeck-ui",
		Consumer: "ui-1",
	}
}

// NewParameterLayer returns the section definition for the Redis Streams state bus.
func NewParameterLayer() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Redis Streams transport for the state bus",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Publish state events to Redis Streams instead of in-process")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault(d.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault(d.Group),
				fields.WithHelp("Redis consumer group used by watchers")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault(d.Consumer),
				fields.WithHelp("Redis consumer name used by watchers")),
		),
	)
}
