package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tabkiosk/internal/mutation"
)

// NewOutboxCommand creates the outbox inspection commands.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect queued mutations",
	}
	cmd.AddCommand(newOutboxListCommand(rootOpts), newOutboxStatsCommand(rootOpts))
	return cmd
}

func newOutboxListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := mutation.Status(strings.ToUpper(status))
			if st != "" && !st.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q: must be one of %v", status, mutation.AllStatuses))
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			rows, err := a.store.ListOutbox(commandContext(cmd), st, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list outbox", err)
			}
			return a.out.Success(newOutboxListView(rows))
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only rows with this status")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to show")
	return cmd
}

func newOutboxStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count outbox rows by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := commandContext(cmd)
			counts, err := a.store.CountByStatus(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count outbox", err)
			}
			pending, err := a.store.CountPending(ctx, a.pendingPolicy())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count pending", err)
			}
			return a.out.Success(statsView{Counts: counts, Pending: pending})
		},
	}
}
