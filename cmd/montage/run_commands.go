package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"montage/internal/api"
	"montage/internal/runstore"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <asset>",
		Short: "Register an asset and start it through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				run, err := client.Submit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted run %s for %s\n", run.ID, run.AssetRef)
				return nil
			})
		},
	}
}

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var statusFilters []string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, value := range statusFilters {
				if _, ok := runstore.ParseStatus(value); !ok {
					return fmt.Errorf("unknown status %q (known: %s)", value, knownStatuses())
				}
			}
			return ctx.withClient(func(client *api.Client) error {
				runs, err := client.List(cmd.Context(), statusFilters...)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRunsTable(runs))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&statusFilters, "status", nil, "Filter by status (repeatable)")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				run, err := client.Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRunDetail(cmd, run)
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				run, err := client.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled run %s\n", run.ID)
				return nil
			})
		},
	}
}

func renderRunsTable(runs []api.Run) string {
	headers := []string{"ID", "Asset", "Status", "Stage", "Attempt", "Refinements", "Error"}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			truncate(run.AssetRef, 40),
			run.Status,
			run.CurrentStage,
			fmt.Sprintf("%d", run.Attempt),
			fmt.Sprintf("%d", run.RefinementCount),
			truncate(run.ErrorMessage, 48),
		})
	}
	return renderTable(headers, rows, 4, 5)
}

func printRunDetail(cmd *cobra.Command, run api.Run) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:          %s\n", run.ID)
	fmt.Fprintf(out, "Asset:        %s\n", run.AssetRef)
	fmt.Fprintf(out, "Status:       %s\n", run.Status)
	fmt.Fprintf(out, "Stage:        %s\n", run.CurrentStage)
	fmt.Fprintf(out, "Refinements:  %d\n", run.RefinementCount)
	if run.OutputRef != "" {
		fmt.Fprintf(out, "Output:       %s\n", run.OutputRef)
	}
	if run.FailureCause != "" {
		fmt.Fprintf(out, "Failure:      %s (%s)\n", run.FailureCause, run.ErrorMessage)
	}
	if run.Feedback != "" {
		fmt.Fprintf(out, "Feedback:     %s\n", run.Feedback)
	}
	if run.CreatedAt != "" {
		fmt.Fprintf(out, "Created:      %s\n", run.CreatedAt)
	}
	if run.UpdatedAt != "" {
		fmt.Fprintf(out, "Updated:      %s\n", run.UpdatedAt)
	}

	if len(run.Outcomes) == 0 {
		return
	}
	headers := []string{"Cycle", "Stage", "Attempt", "Result", "Payload", "Reason"}
	rows := make([][]string, 0, len(run.Outcomes))
	for _, outcome := range run.Outcomes {
		rows = append(rows, []string{
			fmt.Sprintf("%d", outcome.Cycle),
			outcome.Stage,
			fmt.Sprintf("%d", outcome.Attempt),
			outcome.Result,
			truncate(outcome.PayloadRef, 40),
			truncate(outcome.Reason, 48),
		})
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable(headers, rows, 0, 2))
}

func knownStatuses() string {
	statuses := runstore.AllStatuses()
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	return strings.Join(names, ", ")
}

func truncate(value string, max int) string {
	if max <= 3 || len(value) <= max {
		return value
	}
	return value[:max-3] + "..."
}
