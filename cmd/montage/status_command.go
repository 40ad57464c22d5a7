package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"montage/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			err := ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
				fmt.Fprintln(out, renderStatusLine("Run database", statusInfo, status.RunDBPath, colorize))

				health := status.Health
				fmt.Fprintln(out, renderStatusLine("Runs", statusInfo,
					fmt.Sprintf("%d total, %d pending, %d active", health.Total, health.Pending, health.Active), colorize))

				completedKind := statusInfo
				if health.Completed > 0 {
					completedKind = statusOK
				}
				fmt.Fprintln(out, renderStatusLine("Completed", completedKind, fmt.Sprintf("%d", health.Completed), colorize))

				failedKind := statusInfo
				if health.Failed > 0 {
					failedKind = statusError
				}
				fmt.Fprintln(out, renderStatusLine("Failed", failedKind, fmt.Sprintf("%d", health.Failed), colorize))
				return nil
			})
			if err != nil {
				fmt.Fprintln(out, renderStatusLine("Daemon", statusError, "not reachable", colorize))
				return err
			}
			return nil
		},
	}
}
