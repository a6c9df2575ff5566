package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/tabkiosk/internal/coordinator"
	"github.com/roach88/tabkiosk/internal/pos"
)

// mutationFlags are the idempotency flags shared by every mutating command.
type mutationFlags struct {
	Key        string
	MutationID string
}

func (m *mutationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.Key, "key", "", "operation key (defaults to one derived from the command)")
	cmd.Flags().StringVar(&m.MutationID, "mutation-id", "", "explicit mutation id")
}

// tabOptions holds flags for the tab command group.
type tabOptions struct {
	*RootOptions
	Push bool // sync right after a successful mutation
}

// NewTabCommand creates the tab command group.
func NewTabCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tabOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "tab",
		Short: "Open, edit and close tabs",
		Long: `Open, edit and close tabs.

Each change is committed to the local database with an outbox record.
Re-running a command with the same --key is reported as DUPLICATE and
changes nothing. With --push the outbox is synced as soon as the change is
committed; a failed push leaves the change queued for the next sync.`,
	}
	cmd.PersistentFlags().BoolVar(&opts.Push, "push", false, "sync with the remote after the change")

	cmd.AddCommand(
		newTabOpenCommand(opts),
		newTabAddCommand(opts),
		newTabQtyCommand(opts),
		newTabRemoveCommand(opts),
		newTabKitchenCommand(opts),
		newTabRoundsCommand(opts),
		newTabReprintCommand(opts),
		newTabVoidRoundCommand(opts),
		newTabCloseCommand(opts),
		newTabCancelCommand(opts),
		newTabShowCommand(opts),
		newTabListCommand(opts),
	)
	return cmd
}

// runMutation opens the app, runs fn and prints its result. With --push a
// coordinator is attached as the service's write notifier so the commit
// triggers a sync, which is awaited before returning.
func runMutation(opts *tabOptions, cmd *cobra.Command, fn func(ctx context.Context, svc *pos.Service) (pos.Result, error)) error {
	var (
		trigger pushTrigger
		svcOpts []pos.Option
	)
	if opts.Push {
		svcOpts = append(svcOpts, pos.WithNotifier(&trigger))
	}
	a, err := openApp(opts.RootOptions, cmd, svcOpts...)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := commandContext(cmd)
	if opts.Push {
		eng, err := a.engine()
		if err != nil {
			return err
		}
		coordOpts := a.coordinatorOptions()
		coordOpts.AutoInterval = 0
		trigger.coord = coordinator.New(eng, coordOpts, coordinator.WithLogger(a.logger))
		trigger.coord.Start(ctx)
		defer trigger.coord.Stop()
	}

	res, err := fn(ctx, a.svc)
	if err != nil {
		return a.domainError(err)
	}
	a.out.VerboseLog("mutation %s committed at version %d", res.MutationID, res.NewVersion)
	if err := a.out.Success(newResultView(res)); err != nil {
		return err
	}

	if opts.Push {
		sync, err := trigger.coord.RequestSync(ctx, coordinator.ModeTriggered)
		if err != nil {
			a.logger.Warn("push failed, change stays queued", "error", err, "pending", sync.Pending)
			return nil
		}
		a.out.VerboseLog("pushed: acked=%d pending=%d", sync.Acked, sync.Pending)
	}
	return nil
}

// pushTrigger forwards write notifications to a coordinator built after the
// service.
type pushTrigger struct {
	coord *coordinator.Coordinator
}

func (p *pushTrigger) NotifyLocalWrite() {
	if p.coord != nil {
		p.coord.NotifyLocalWrite()
	}
}

func newTabOpenCommand(opts *tabOptions) *cobra.Command {
	var (
		m       mutationFlags
		tableID string
		folio   string
	)
	cmd := &cobra.Command{
		Use:   "open [tab-id]",
		Short: "Open a new tab",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := pos.OpenTab{TableID: tableID, FolioText: folio, MutationID: m.MutationID, OperationKey: m.Key}
			if len(args) == 1 {
				c.TabID = args[0]
			}
			return runMutation(opts, cmd, func(ctx context.Context, svc *pos.Service) (pos.Result, error) {
				return svc.OpenTab(ctx, c)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&tableID, "table", "", "table to seat the tab at")
	cmd.Flags().StringVar(&folio, "folio", "", "folio text (assigned from the kiosk sequence when empty)")
	return cmd
}

func newTabAddCommand(opts *tabOptions) *cobra.Command {
	var (
		m      mutationFlags
		lineID string
		name   string
		qty    int64
		price  int64
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "add <tab-id> <product-id>",
		Short: "Add a line to a tab",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := pos.AddItem{
				TabID:        args[0],
				ProductID:    args[1],
				LineID:       lineID,
				ProductName:  name,
				Qty:          qty,
				Notes:        notes,
				MutationID:   m.MutationID,
				OperationKey: m.Key,
			}
			if cmd.Flags().Changed("price") {
				c.UnitPrice = &price
			}
			return runMutation(opts, cmd, func(ctx context.Context, svc *pos.Service) (pos.Result, error) {
				return svc.AddItem(ctx, c)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&lineID, "line", "", "line id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().Int64Var(&qty, "qty", 1, "quantity")
	cmd.Flags().Int64Var(&price, "price", 0, "unit price in minor units")
	cmd.Flags().StringVar(&notes, "notes", "", "kitchen notes")
	return cmd
}

func newTabQtyCommand(opts *tabOptions) *cobra.Command {
	var (
		m        mutationFlags
		expected int64
	)
	cmd := &cobra.Command{
		Use:   "qty <tab-id> <line-id> <qty>",
		Short: "Change the quantity of a line",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := parseQty(args[2])
			if err != nil {
				return err
			}
			c := pos.UpdateItemQty{
				TabID:        args[0],
				LineID:       args[1],
				Qty:          qty,
				MutationID:   m.MutationID,
				OperationKey: m.Key,
			}
			if cmd.Flags().Changed("expected-version") {
				c.ExpectedVersion = &expected
			}
			return runMutation(opts, cmd, func(ctx context.Context, svc *pos.Service) (pos.Result, error) {
				return svc.UpdateItemQty(ctx, c)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject unless the tab is at this version")
	return cmd
}

func newTabRemoveCommand(opts *tabOptions) *cobra.Command {
	var m mutationFlags
	cmd := &cobra.Command{
		Use:   "remove <tab-id> <line-id>",
		Short: "Remove a line from a tab",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := pos.RemoveItem{TabID: args[0], LineID: args[1], MutationID: m.MutationID, OperationKey: m.Key}
			return runMutation(opts, cmd, func(ctx context.Context, svc *pos.Service) (pos.Result, error) {
				return svc.RemoveItem(ctx, c)
			})
		},
	}
	m.register(cmd)
	return cmd
}

func newTabKitchenCommand(opts *tabOptions) *cobra.Command {
	var m mutationFlags
	cmd := &cobra.Command{
		Use:   "kitchen <tab-id>",
		Short: "Send unprinted changes to the kitchen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := pos.SendToKitchen{TabID: args[0], MutationID: m.MutationID, OperationKey: m.Key}
			return runMutation(opts, cmd, func(ctx context.Context, svc *pos.Service) (pos.Result, error) {
				return svc.SendToKitchen(ctx, c)
			})
		},
	}
	m.register(cmd)
	return cmd
}

func newTabRoundsCommand(opts *tabOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rounds <tab-id>",
		Short: "List the kitchen rounds of a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			rounds, err := a.svc.ListKitchenRounds(commandContext(cmd), "", args[0])
			if err != nil {
				return a.domainError(err)
			}
			views := make([]roundActionView, len(rounds))
			for i, r := range rounds {
				views[i] = roundActionView{Round: newRoundView(r)}
			}
			if opts.Format == "json" {
				return a.out.Success(views)
			}
			for _, v := range views {
				if err := a.out.Success(v); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newTabReprintCommand(opts *tabOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reprint <tab-id> <round-mutation-id>",
		Short: "Reprint a past kitchen round",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.svc.ReprintKitchenRound(commandContext(cmd), pos.RoundRef{TabID: args[0], RoundMutationID: args[1]})
			if err != nil {
				return a.domainError(err)
			}
			return a.out.Success(roundActionView{
				Round:  newRoundView(res.Round),
				Action: "REPRINT",
				Print:  newPrintView(&res.Print),
			})
		},
	}
}

func newTabVoidRoundCommand(opts *tabOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "void-round <tab-id> <round-mutation-id>",
		Short: "Cancel a kitchen round and print a void ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.svc.CancelKitchenRound(commandContext(cmd), pos.CancelRound{
				RoundRef: pos.RoundRef{TabID: args[0], RoundMutationID: args[1]},
				Reason:   reason,
			})
			if err != nil {
				return a.domainError(err)
			}
			return a.out.Success(roundActionView{
				Round:     newRoundView(res.Round),
				Action:    string(res.Action.Action),
				Reason:    res.Action.Reason,
				Duplicate: res.Duplicate,
				Print:     newPrintView(res.Print),
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the round is cancelled")
	return cmd
}

func newTabCloseCommand(opts *tabOptions) *cobra.Command {
	var (
		m        mutationFlags
		method   string
		received int64
		receipt  bool
	)
	cmd := &cobra.Command{
		Use:   "close <tab-id>",
		Short: "Close a tab as paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := pos.ClosePaid{
				TabID:         args[0],
				PaymentMethod: method,
				PrintReceipt:  receipt,
				MutationID:    m.MutationID,
				OperationKey:  m.Key,
			}
			if cmd.Flags().Changed("received") {
				c.AmountReceived = &received
			}
			return runMutation(opts, cmd, func(ctx context.Context, svc *pos.Service) (pos.Result, error) {
				return svc.ClosePaid(ctx, c)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&method, "method", "cash", "payment method (cash|card|transfer|other)")
	cmd.Flags().Int64Var(&received, "received", 0, "amount tendered in minor units")
	cmd.Flags().BoolVar(&receipt, "receipt", false, "print a receipt")
	return cmd
}

func newTabCancelCommand(opts *tabOptions) *cobra.Command {
	var (
		m      mutationFlags
		reason string
	)
	cmd := &cobra.Command{
		Use:   "cancel <tab-id>",
		Short: "Cancel an open tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := pos.CancelTab{TabID: args[0], Reason: reason, MutationID: m.MutationID, OperationKey: m.Key}
			return runMutation(opts, cmd, func(ctx context.Context, svc *pos.Service) (pos.Result, error) {
				return svc.CancelTab(ctx, c)
			})
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "why the tab is cancelled")
	return cmd
}

func newTabShowCommand(opts *tabOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <tab-id>",
		Short: "Show a tab and its lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := a.svc.GetTab(commandContext(cmd), "", args[0])
			if err != nil {
				return a.domainError(err)
			}
			return a.out.Success(newTabView(v.Tab, v.Lines))
		},
	}
}

func newTabListCommand(opts *tabOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List open tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := commandContext(cmd)
			tabs, err := a.store.ListOpenTabs(ctx, a.cfg.TenantID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list tabs", err)
			}
			views := make(tabListView, 0, len(tabs))
			for _, t := range tabs {
				lines, err := a.store.ListActiveLines(ctx, t.ID)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list lines", err)
				}
				views = append(views, newTabView(t, lines))
			}
			return a.out.Success(views)
		},
	}
}

func parseQty(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid quantity %q", s))
	}
	return n, nil
}
