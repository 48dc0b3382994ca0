package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/poller"
)

// NewRunCmd создаёт команду запуска одного шага.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var wait bool
	var interval time.Duration
	var maxWait time.Duration

	cmd := &cobra.Command{
		Use:   "run TENANT SCRIPT_KEY",
		Short: "Start one step for a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()
			ctx := cmd.Context()

			run, err := client.RunScript(ctx, args[0], args[1])
			if err != nil {
				if run != nil && run.Message != "" {
					return fmt.Errorf("%w (%s)", err, run.Message)
				}
				return err
			}

			out.Success(fmt.Sprintf("Step %s starting: %s", args[1], run.RunID))
			if !wait {
				out.Result(run)
				return nil
			}

			final, err := poller.WaitTerminal(ctx, client, args[0], run.RunID, interval, maxWait)
			if errors.Is(err, poller.ErrTimeout) && final != nil {
				out.Warn(fmt.Sprintf("step still %s after %s", final.Status, maxWait))
			}
			if err != nil {
				return err
			}

			out.Result(final)
			if final.Status == domain.StatusError {
				return fmt.Errorf("step %s failed: %s", args[1], final.Message)
			}
			out.Success(fmt.Sprintf("Step %s completed: %d successes, %d errors", args[1], final.Successes, len(final.Errors)))
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the step reaches a final status")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval while waiting")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 15*time.Minute, "Give up waiting after this long")

	return cmd
}

// NewStopCmd создаёт команду остановки шага.
func NewStopCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stop TENANT [SCRIPT_KEY]",
		Short: "Ask the active step to stop at its next progress report",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			scriptKey := ""
			if len(args) == 2 {
				scriptKey = args[1]
			}
			if scriptKey == "" {
				status, err := client.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if status.Status == nil || !status.Status.IsActive() {
					out.Warn("nothing is running for " + args[0])
					return nil
				}
				scriptKey = status.Status.ScriptKey
			}

			stopped, err := client.StopScript(cmd.Context(), args[0], scriptKey)
			if err != nil {
				return err
			}

			if stopped {
				out.Success(fmt.Sprintf("Stop requested for %s", scriptKey))
			} else {
				out.Warn(fmt.Sprintf("%s is not running, nothing to stop", scriptKey))
			}
			return nil
		},
	}
}

// NewRunsCmd создаёт команду вывода истории запусков.
func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs TENANT",
		Short: "List a tenant's step runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.Runs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			now := time.Now()
			headers := []string{"RUN_ID", "SCRIPT_KEY", "STATUS", "PROGRESS", "STARTED", "DURATION", "MESSAGE"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.RunID.String(),
					r.ScriptKey,
					string(r.Status),
					strconv.Itoa(r.Progress) + "%",
					r.StartTime.Local().Format(time.DateTime),
					r.Duration(now).Round(time.Second).String(),
					r.Message,
				}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")

	return cmd
}
