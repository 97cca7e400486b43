package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	glazed_cmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentdeck/cmd/agentdeck/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "agentdeck is a terminal client for multi-agent chat backends",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	err := clay.InitGlazed("agentdeck", rootCmd)
	cobra.CheckErr(err)

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	chat, err := cmds.NewChatCommand()
	cobra.CheckErr(err)
	status, err := cmds.NewStatusCommand()
	cobra.CheckErr(err)
	identity, err := cmds.NewIdentityCommand()
	cobra.CheckErr(err)
	watch, err := cmds.NewWatchCommand()
	cobra.CheckErr(err)

	for _, c := range []glazed_cmds.Command{chat, status, identity, watch} {
		command, err := cli.BuildCobraCommand(c)
		cobra.CheckErr(err)
		rootCmd.AddCommand(command)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(rootCmd.ExecuteContext(ctx))
}
