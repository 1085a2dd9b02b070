package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "musicplayer-core",
		Short:        "Offline download manager for the music player library.",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to settings.json (default: data dir)")

	// withApp builds the application for one command and tears it down
	// afterwards.
	var withApp appRunner = func(start bool, run appFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if start {
				if err := a.start(cmd.Context()); err != nil {
					return fmt.Errorf("failed to start workers: %w", err)
				}
			}
			return run(cmd.Context(), a, args)
		}
	}

	root.AddCommand(newDownloadCommand(withApp), newListCommand(withApp), newCatalogCommand(withApp))
	root.AddCommand(newControlCommands(withApp)...)
	root.AddCommand(newMaintenanceCommands(withApp)...)
	root.AddCommand(newLibraryCommands(withApp)...)
	root.AddCommand(newServeCommand(withApp), newStatusCommand(withApp))

	return root
}
