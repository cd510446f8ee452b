package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newIndexCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Crawl the configured documentation sites",
		Long: `Crawl every site listed in the docs plugin options and store the pages in
the search index. Configure search.path to keep the index between runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			mesh, err := root.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer mesh.Close(context.WithoutCancel(ctx))

			sites, err := mesh.IndexSites(ctx)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SITE\tURL\tPAGES")

			for _, s := range sites {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", s.Name, s.URL, len(s.Pages))
			}

			if ferr := tw.Flush(); ferr != nil {
				return ferr
			}

			return err
		},
	}
}
