package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Cascade/internal/domain"
	"github.com/shaiso/Cascade/internal/poller"
)

// NewStatusCmd создаёт команду вывода статуса тенанта.
func NewStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status TENANT",
		Short: "Show the current step and cascade checkpoint of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()
			ctx := cmd.Context()

			status, err := client.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if out.JSONMode() {
				out.JSON(status)
				return nil
			}

			list, err := client.Steps(ctx)
			if err != nil {
				return err
			}
			out.Text(RenderStatus(args[0], status, list, time.Now()))
			return nil
		},
	}
}

// NewWatchCmd создаёт команду слежения за тенантом.
func NewWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var interval time.Duration
	var untilDone bool
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "watch TENANT",
		Short: "Poll a tenant's status and print every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			seenActive := false
			p := poller.New(poller.Config{
				Source:   client,
				TenantID: args[0],
				Interval: interval,
				OnChange: func(_, cur domain.Snapshot) {
					out.Emit(cur, func() string { return RenderChange(time.Now(), cur) })
					if cur.ActiveRun() != nil {
						seenActive = true
					}
					if staleAfter > 0 && poller.IsStale(cur.Status, time.Now(), staleAfter) {
						out.Warn("no progress reported for " + staleAfter.String() + ", worker may be gone")
					}
					if untilDone && seenActive && cur.State().IsTerminal() {
						cancel()
					}
				},
				OnError: func(err error) {
					out.Warn(err.Error())
				},
			})

			err := p.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval")
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "Exit once the active step reaches a final status")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Warn when an active step reports nothing for this long")

	return cmd
}
