package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/chatmesh"
)

func newPluginsCmd(root *rootOptions) *cobra.Command {
	var (
		format   string
		commands bool
	)

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List the configured plugins",
		Long:  `List the configured plugins with their lifecycle status. Plugins that failed to activate are shown as unloaded.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			mesh, err := root.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer mesh.Close(context.WithoutCancel(ctx))

			if commands {
				for _, name := range mesh.Engine().Registry().Commands() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}

				return nil
			}

			return printPlugins(cmd.OutOrStdout(), parseOutputFormat(format), mesh.Plugins())
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&commands, "commands", false, "List the registered plugin commands instead")

	return cmd
}

func printPlugins(w io.Writer, format OutputFormat, plugins []chatmesh.PluginInfo) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(plugins)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSTATUS")

	for _, p := range plugins {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Version, p.Status)
	}

	return tw.Flush()
}
