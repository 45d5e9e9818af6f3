package main

import (
	"fmt"
	"os"
	"strings"

	"anna/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:   "anna-server",
		Short: "Realtime conversation server for the Anna spiral-interruption coach",
		Long: `anna-server accepts authenticated websocket connections, keeps one
conversation session per user and streams the assistant's replies and
exercise prompts back to the client.

Configuration is read from --config (or ./anna.yaml) with ANNA_* environment
overrides, e.g. ANNA_AUTH_JWT_SECRET or ANNA_ENGINE_PROVIDER.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newTokenCommand(opts))
	return root
}

func (o *cliOptions) load() (config.Config, error) {
	cfg, err := config.Load(strings.TrimSpace(o.configPath))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newConfigCommand(opts *cliOptions) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out, err := config.MarshalYAML(cfg)
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			if validate {
				return config.Validate(cfg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "Also validate the configuration and fail on errors")
	return cmd
}
