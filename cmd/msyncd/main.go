package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/arktis/msync/internal/config"
	"github.com/arktis/msync/internal/daemon"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "msyncd",
		Short: "Offline-first message sync daemon",
		Long: "msyncd keeps a local message cache in sync with the remote message\n" +
			"service: writes are queued locally and drained when connectivity\n" +
			"allows, remote changes are pulled incrementally per conversation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// .env is optional; the token normally lives there rather than
			// in config.toml.
			_ = godotenv.Load()

			app := fx.New(
				daemon.Module(daemon.Params{
					ConfigPath: configPath,
					Token:      os.Getenv("MSYNC_TOKEN"),
				}),
			)
			app.Run()
			return nil
		},
	}
	root.Flags().StringVar(&configPath, "config", config.ConfigPath(), "path to config.toml")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
