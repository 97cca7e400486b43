package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/probe"
)

type StatusCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &StatusCommand{}

func NewStatusCommand() (*StatusCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	secs, err := sections()
	if err != nil {
		return nil, err
	}
	return &StatusCommand{
		CommandDescription: cmds.NewCommandDescription(
			"status",
			cmds.WithShort("Probe the backend status and health endpoints"),
			cmds.WithSections(append(secs, glazedSection, commandSettingsSection)...),
		),
	}, nil
}

func (c *StatusCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s, err := decodeSettings(parsedLayers)
	if err != nil {
		return err
	}
	client, err := probe.NewClient(s.APIURL)
	if err != nil {
		return err
	}

	// Probe failures are reported in the row, not as command errors.
	r, err := client.Status(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "agentdeck").Msg("status probe failed")
	}
	h, err := client.Health(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "agentdeck").Msg("health check failed")
	}

	return gp.AddRow(ctx, types.NewRow(
		types.MRP("api_url", s.APIURL),
		types.MRP("status", r.Status),
		types.MRP("autogen_installed", r.ServiceInstalled),
		types.MRP("openai_api_key_configured", r.CredentialConfigured),
		types.MRP("health", h.Status),
	))
}
