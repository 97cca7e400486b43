package cmds

import (
	"context"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/events"
	"github.com/go-go-golems/agentdeck/pkg/redisstream"
	"github.com/go-go-golems/agentdeck/pkg/ui"
)

// WatchCommand follows the state bus of running chat sessions. It needs the redis transport;
// the in-process bus only ever carries events of the current process.
type WatchCommand struct {
	*cmds.CommandDescription
}

type WatchSettings struct {
	AllClients bool `glazed:"all-clients"`
}

var _ cmds.WriterCommand = (*WatchCommand)(nil)

func NewWatchCommand() (*WatchCommand, error) {
	secs, err := sections()
	if err != nil {
		return nil, err
	}
	return &WatchCommand{
		CommandDescription: cmds.NewCommandDescription(
			"watch",
			cmds.WithShort("Print state events published by chat sessions on Redis Streams"),
			cmds.WithFlags(
				fields.New("all-clients", fields.TypeBool,
					fields.WithDefault(false),
					fields.WithHelp("Show events of every client, not only this machine's client id")),
			),
			cmds.WithSections(secs...),
		),
	}, nil
}

func (c *WatchCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	ws := &WatchSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, ws); err != nil {
		return err
	}
	s, err := decodeSettings(parsedLayers)
	if err != nil {
		return err
	}
	if !s.Redis.Enabled {
		return errors.New("watch needs the redis state bus (--redis-enabled)")
	}

	clientID := ""
	if !ws.AllClients {
		if clientID, err = resolveClientID(ctx, s.Identity); err != nil {
			return err
		}
	}

	uiOpts := ui.Options{}
	if f, ok := w.(*os.File); ok {
		uiOpts = ui.DetectOptions(f)
	}
	terminal, err := ui.NewTerminal(w, uiOpts)
	if err != nil {
		return err
	}

	transport, err := redisstream.Build(s.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()
	if err := transport.EnsureGroupAtTail(ctx, events.DefaultTopic, s.Redis.Group); err != nil {
		return err
	}

	consumer := events.NewConsumer(transport.Subscriber, events.DefaultTopic, clientID, func(e events.StateEvent) {
		if err := terminal.Publish(e); err != nil {
			log.Debug().Err(err).Str("component", "agentdeck").Msg("render failed")
		}
	})
	if err := consumer.Start(ctx); err != nil {
		return errors.Wrap(err, "subscribe to state bus")
	}
	defer consumer.Stop()

	log.Info().Str("component", "agentdeck").Str("client_id", clientID).Msg("watching state bus")
	select {
	case <-ctx.Done():
	case <-consumer.Done():
	}
	return nil
}
