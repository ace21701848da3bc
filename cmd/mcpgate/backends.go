package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
)

func newBackendsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect configured backends",
	}
	cmd.AddCommand(newBackendsCheckCmd(a))
	return cmd
}

// newBackendsCheckCmd connects to every backend once, pings the ones that
// came up, and reports the result.
func newBackendsCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Connect to and ping every backend, print tool counts and failures, then disconnect",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager := mcpmgr.NewManager(a.cfg.ServerConfigs(), &mcpmgr.ManagerOptions{
				DefaultClientName:    a.cfg.Platform.Name,
				DefaultClientVersion: version,
				Dialer:               a.dialer,
				Logger:               a.logger,
			})
			defer manager.Shutdown(context.WithoutCancel(cmd.Context()))

			outcomes := manager.ConnectAll(cmd.Context())
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "BACKEND\tSTATUS\tTOOLS\tTIME\tPING\tERROR")
			failed := 0
			for _, out := range outcomes {
				status, ping, errText := "ok", "-", ""
				if out.Err != nil {
					status, errText = "failed", out.Err.Error()
				} else {
					start := time.Now()
					if err := manager.PingServer(cmd.Context(), out.Server); err != nil {
						status, errText = "unresponsive", err.Error()
					} else {
						ping = time.Since(start).Round(time.Microsecond).String()
					}
				}
				if status != "ok" {
					failed++
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", out.Server, status, out.Tools, out.Duration.Round(time.Millisecond), ping, errText)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d backends failed the check", failed, len(outcomes))
			}
			return nil
		},
	}
}
