package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/streamguard/pkg/io/sqlite"
	"github.com/hed1ad/streamguard/pkg/io/text"
)

func newRunsCmd(a *app) *cobra.Command {
	var database string
	var showOutliers bool

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if database == "" {
				database = a.cfg.Output.Database
			}
			if database == "" {
				return errors.New("--db is required")
			}

			store, err := sqlite.Open(database)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			ids := args
			if len(ids) == 0 {
				if ids, err = store.Runs(ctx); err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSOURCE\tINDEX\tSTARTED\tOBJECTS\tOUTLIERS")
			for _, id := range ids {
				info, err := store.Run(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
					info.ID, info.Source, info.Index,
					info.StartedAt.Format(time.RFC3339),
					info.Result.Objects, len(info.Result.Outliers))

				if showOutliers && len(args) == 1 {
					if err := tw.Flush(); err != nil {
						return err
					}
					return text.WriteOutliers(out, info.Result.Outliers)
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&database, "db", "", "SQLite database of recorded runs")
	cmd.Flags().BoolVar(&showOutliers, "outliers", false, "print the outlier ids of the given run")
	return cmd
}
