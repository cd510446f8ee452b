package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/chatmesh/core"
)

type chatOptions struct {
	thread   string
	mentions []string
	format   string
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Ask one question",
		Long: `Run one chat turn and print the answer together with the agents the model
called. Mentions are given as <plugin>:<kind>=<value>, for example
  -m fs:file=main.go -m git:commit=HEAD -m docs:site=go.dev`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd, root, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&opts.thread, "thread", "t", "", "Continue an existing thread")
	cmd.Flags().StringArrayVarP(&opts.mentions, "mention", "m", nil, "Attach a mention (<plugin>:<kind>=<value>)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")

	return cmd
}

func runChat(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *chatOptions, text string) error {
	mentions, err := parseMentions(opts.mentions)
	if err != nil {
		return err
	}

	mesh, err := root.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer mesh.Close(context.WithoutCancel(ctx))

	ai, err := mesh.Ask(ctx, opts.thread, text, mentions...)
	if ai == nil {
		return err
	}

	if perr := printConversation(cmd.OutOrStdout(), parseOutputFormat(opts.format), ai); perr != nil {
		return perr
	}

	return err
}

// parseMentions parses <plugin>:<kind>=<value> arguments. The value is kept
// as plain string data.
func parseMentions(args []string) ([]core.Mention, error) {
	out := make([]core.Mention, 0, len(args))

	for _, arg := range args {
		typ, value, ok := strings.Cut(arg, "=")
		plugin, kind, hasKind := strings.Cut(typ, ":")

		if !ok || !hasKind || plugin == "" || kind == "" || value == "" {
			return nil, fmt.Errorf("invalid mention %q: expected <plugin>:<kind>=<value>", arg)
		}

		out = append(out, core.NewMention(core.PluginID(plugin), kind, value))
	}

	return out, nil
}

func printConversation(w io.Writer, format OutputFormat, conv *core.Conversation) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(conv)
	}

	if text := conv.Text(); text != "" {
		fmt.Fprintln(w, text)
		fmt.Fprintln(w)
	}

	if len(conv.Agents) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AGENT\tSTATUS\tDETAIL")

		for _, r := range conv.Agents {
			status, detail := "ok", ""
			if r.Failed() {
				status, detail = "error", r.Error
			}

			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, status, detail)
		}

		if err := tw.Flush(); err != nil {
			return err
		}

		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "thread: %s  status: %s", conv.ThreadID, conv.Status)
	if conv.Truncated {
		fmt.Fprint(w, "  (truncated)")
	}

	if conv.Error != "" {
		fmt.Fprintf(w, "  error: %s", conv.Error)
	}

	fmt.Fprintln(w)

	return nil
}
