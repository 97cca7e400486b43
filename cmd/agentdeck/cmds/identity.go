package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
)

type IdentityCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &IdentityCommand{}

func NewIdentityCommand() (*IdentityCommand, error) {
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
	return &IdentityCommand{
		CommandDescription: cmds.NewCommandDescription(
			"identity",
			cmds.WithShort("Print the persisted client id, creating it on first use"),
			cmds.WithSections(append(secs, glazedSection, commandSettingsSection)...),
		),
	}, nil
}

func (c *IdentityCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s, err := decodeSettings(parsedLayers)
	if err != nil {
		return err
	}
	id, err := resolveClientID(ctx, s.Identity)
	if err != nil {
		return err
	}
	store := s.Identity.Kind
	if store == "" {
		store = "file"
	}
	return gp.AddRow(ctx, types.NewRow(
		types.MRP("client_id", id),
		types.MRP("store", store),
	))
}
