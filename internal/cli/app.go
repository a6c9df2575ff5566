package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/roach88/tabkiosk/internal/config"
	"github.com/roach88/tabkiosk/internal/coordinator"
	"github.com/roach88/tabkiosk/internal/pos"
	"github.com/roach88/tabkiosk/internal/store"
	"github.com/roach88/tabkiosk/internal/syncer"
)

// app is everything a command needs, wired from config.
type app struct {
	cfg    config.Config
	store  *store.Store
	svc    *pos.Service
	logger *slog.Logger
	out    *OutputFormatter
}

// openApp loads config, opens the store and builds the mutation service.
// The caller must call close.
func openApp(opts *RootOptions, cmd *cobra.Command, svcOpts ...pos.Option) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}

	logger := config.NewLogger(cfg, cmd.ErrOrStderr(), opts.Verbose)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	logger.Debug("database ready", "path", cfg.DBPath)

	base := []pos.Option{
		pos.WithLogger(logger),
		pos.WithPrinter(NewTicketPrinter(cmd.ErrOrStderr())),
	}
	return &app{
		cfg:    cfg,
		store:  st,
		svc:    pos.NewService(st, cfg.Identity(), append(base, svcOpts...)...),
		logger: logger,
		out:    newFormatter(opts, cmd),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// engine builds the sync engine for the configured remote.
func (a *app) engine() (*syncer.Engine, error) {
	if !a.cfg.SyncEnabled() {
		return nil, NewExitError(ExitCommandError, "remote_url is not configured")
	}
	client := syncer.NewClient(a.cfg.RemoteURL, a.cfg.Identity(),
		syncer.WithHTTPClient(&http.Client{Timeout: a.cfg.HTTPTimeout}),
		syncer.WithSendDelays(a.cfg.Sync.SendDelays),
		syncer.WithSendAttempts(a.cfg.Sync.SendAttempts),
		syncer.WithClientLogger(a.logger),
	)
	return syncer.NewEngine(a.store, client,
		syncer.WithPendingPolicy(a.pendingPolicy()),
		syncer.WithLogger(a.logger),
	), nil
}

func (a *app) pendingPolicy() store.PendingPolicy {
	return store.PendingPolicy{IncludeConflicts: a.cfg.Sync.RetryConflicts}
}

func (a *app) coordinatorOptions() coordinator.Options {
	s := a.cfg.Sync
	return coordinator.Options{
		BatchSize:       s.BatchSize,
		MaxBatches:      s.MaxBatchesPerTick,
		TickBudget:      s.TickBudget,
		DrainDelay:      s.DrainDelay,
		BackoffMin:      s.BackoffMin,
		BackoffMax:      s.BackoffMax,
		AutoInterval:    s.AutoInterval,
		TriggerInterval: s.TriggerInterval,
	}
}

// commandContext returns the command's context, or Background in tests that
// execute a bare command.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// domainError renders a rejected mutation and maps it to an exit code.
func (a *app) domainError(err error) error {
	var pe *pos.Error
	if errors.As(err, &pe) {
		_ = a.out.Error(string(pe.Code), pe.Message, map[string]string{"tab_id": pe.TabID, "line_id": pe.LineID})
		return WrapExitError(ExitFailure, "mutation rejected", err)
	}
	return WrapExitError(ExitCommandError, "command failed", err)
}
