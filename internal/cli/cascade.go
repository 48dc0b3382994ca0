package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewCascadeCmd создаёт группу команд для каскада.
func NewCascadeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cascade",
		Short: "Run the whole step cascade for a tenant",
	}

	cmd.AddCommand(
		newCascadeStartCmd(clientFn, outputFn),
		newCascadeStatusCmd(clientFn, outputFn),
		newCascadeCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newCascadeStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var follow bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "start TENANT",
		Short: "Start the cascade from the first unfinished step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()
			ctx := cmd.Context()

			report, err := client.StartCascade(ctx, args[0])
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Cascade started for %s", args[0]))

			if !follow {
				out.Result(report)
				return nil
			}

			final, err := followCascade(ctx, client, out, args[0], interval)
			if err != nil {
				return err
			}
			if final.State == "failed" {
				return fmt.Errorf("cascade halted at %s: %s", final.FailedStep, final.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&follow, "follow", false, "Print progress until the cascade finishes")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval while following")

	return cmd
}

func newCascadeStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status TENANT",
		Short: "Show the cascade report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			report, err := client.Cascade(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Emit(report, func() string { return RenderCascade(report) })
			return nil
		},
	}
}

func newCascadeCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TENANT",
		Short: "Stop sequencing; the active step keeps running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().CancelCascade(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Cascade cancelled for %s", args[0]))
			return nil
		},
	}
}

// followCascade опрашивает отчёт секвенсора и печатает изменения до конца каскада.
func followCascade(ctx context.Context, client *Client, out *Output, tenantID string, interval time.Duration) (*CascadeReport, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		report, err := client.Cascade(ctx, tenantID)
		switch {
		case IsUnavailable(err):
			out.Warn(err.Error())
		case err != nil:
			return nil, err
		default:
			line := fmt.Sprintf("%s %d/%d %s", report.State, report.Completed, report.Total, report.CurrentStep)
			if line != last {
				last = line
				out.Emit(report, func() string { return RenderCascade(report) })
			}
			if report.State != "running" {
				return report, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
