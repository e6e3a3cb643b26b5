package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd(build appFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the relay reader",
		Long: `Starts the lookup service: the HTTP API, the websocket relay reader when
relay.enabled is set, and one browser session shared by every query. The
command stops on SIGINT/SIGTERM and exits non-zero when the browser session
is lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}
