// Package cmd defines and implements the CLI commands for the deka executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/itpcc/deka-supremecourt/internal/config"
	"github.com/itpcc/deka-supremecourt/internal/deka"
	"github.com/itpcc/deka-supremecourt/internal/server"
)

// App is what the commands drive. *server.App implements it.
type App interface {
	Run(ctx context.Context) error
	Query(ctx context.Context, q deka.Query) (deka.Response, error)
}

// appFactory builds the application from a loaded config. Tests pass a fake.
type appFactory func(ctx context.Context, cfg config.Config) (App, error)

func buildApp(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// cfgKeyType is the key for storing the loaded config in the context.
type cfgKeyType string

const cfgKey cfgKeyType = "config"

// newRootCmd creates and configures the root command.
func newRootCmd(build appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "deka",
		Short: "Look up Thai Supreme Court decisions.",
		Long: `deka answers case lookups by number or by keyword. The dekasuksa.com mirror is
tried first and the Supreme Court search site is driven through a browser
when the mirror has nothing.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cfgKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed DEKA_ override it)")

	cmd.AddCommand(newServeCmd(build))
	cmd.AddCommand(newQueryCmd(build))
	return cmd
}

func loadedConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd(buildApp)
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
