package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/chatmesh"
	"github.com/hupe1980/chatmesh/config"
	"github.com/hupe1980/chatmesh/logging"
)

// OutputFormat is the output format of the commands.
type OutputFormat string

const (
	// OutputTable prints aligned columns.
	OutputTable OutputFormat = "table"
	// OutputJSON prints indented JSON.
	OutputJSON OutputFormat = "json"
)

func parseOutputFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), string(OutputJSON)) {
		return OutputJSON
	}

	return OutputTable
}

type rootOptions struct {
	configPath string
	logLevel   string
	workDir    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "chatmesh",
		Short: "chatmesh - a pluggable chat assistant",
		Long: `chatmesh answers questions about your workspace. Plugins attach files,
documentation sites, web pages, commits and terminal output to a message
and expose agents the model can call while answering.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (.toml, .yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.workDir, "workdir", "", "Workspace directory (default: current directory)")

	cmd.AddCommand(
		newChatCmd(opts),
		newPluginsCmd(opts),
		newIndexCmd(opts),
		newConfigCmd(opts),
	)

	return cmd
}

// load reads the configuration and applies the flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (o *rootOptions) logger(cmd *cobra.Command, cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:       level,
		Format:      cfg.Log.Format,
		Output:      cmd.ErrOrStderr(),
		Component:   "cli",
		CustomAttrs: map[string]any{},
	}), nil
}

// open builds the mesh for a command. The caller closes it.
func (o *rootOptions) open(ctx context.Context, cmd *cobra.Command) (*chatmesh.Mesh, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}

	logger, err := o.logger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	mesh, err := chatmesh.New(ctx, func(opts *chatmesh.Options) {
		opts.Config = cfg
		opts.WorkDir = o.workDir
		opts.Logger = logger
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start chatmesh: %w", err)
	}

	return mesh, nil
}
