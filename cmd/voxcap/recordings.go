package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxcap/internal/catalog/postgres"
)

func newRecordingsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recordings",
		Short: "List recordings registered in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Catalog.PostgresDSN == "" {
				return errors.New("catalog.postgres_dsn is not configured; the in-memory catalog does not outlive a record run")
			}

			ctx := cmd.Context()
			idx, err := postgres.Open(ctx, cfg.Catalog.PostgresDSN)
			if err != nil {
				return err
			}
			defer idx.Close()

			entries, err := idx.List(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECORDED\tTITLE\tDURATION\tRATE\tUTTERANCES\tPATH")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					e.RecordedAt.Local().Format(time.DateTime),
					e.Title,
					e.Duration.Round(10*time.Millisecond),
					e.SampleRate,
					e.Utterances,
					e.Path,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries, 0 for all")
	return cmd
}
