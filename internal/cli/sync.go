package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/tabkiosk/internal/coordinator"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending mutations to the remote once",
		Long: `Push pending mutations to the remote once.

Runs a single manual attempt: batches are sent until the outbox is drained or
the tick bounds from the sync config are reached. Nothing is retried after
the attempt ends; rows left FAILED are picked up by the next sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			eng, err := a.engine()
			if err != nil {
				return err
			}
			opts := a.coordinatorOptions()
			opts.AutoInterval = 0

			coord := coordinator.New(eng, opts, coordinator.WithLogger(a.logger))
			coord.Start(commandContext(cmd))
			defer coord.Stop()

			res, err := coord.RequestSync(commandContext(cmd), coordinator.ModeManual)
			if printErr := a.out.Success(newSyncView(res)); printErr != nil {
				return printErr
			}
			if err != nil {
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			return nil
		},
	}
}
