package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcpgate/pkg/ledger"
)

func newUsageCmd(a *app) *cobra.Command {
	var (
		accountID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recent tool calls, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store ledger.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				recs, err := store.RecentUsage(cmd.Context(), accountID, limit)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "calls: %d  spent: %s  avg: %.1fms\n\n", stats.TotalCalls, stats.TotalSpent, stats.AvgDurationMs)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "TIME\tACCOUNT\tTOOL\tMS\tCOST\tOK")
				for _, rec := range recs {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\n",
						rec.Timestamp.Local().Format(time.DateTime), rec.AccountID, rec.Tool, rec.DurationMs, rec.Cost, rec.Success)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "only show calls billed to this account")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of calls to show")
	return cmd
}
