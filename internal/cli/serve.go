package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/tabkiosk/internal/coordinator"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background sync until interrupted",
		Long: `Run background sync until interrupted.

Syncs every sync.auto_interval and retries failures with exponential backoff.
When metrics_addr is set, Prometheus metrics are served on /metrics.

Example:
  kiosk serve --config kiosk.yaml
  kiosk serve --db /var/lib/kiosk/kiosk.db --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
}

func runServe(rootOpts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(rootOpts, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.engine()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := coordinator.NewMetrics(registry)
	if n, err := eng.Pending(ctx); err == nil {
		metrics.SetPending(n)
	}

	coord := coordinator.New(eng, a.coordinatorOptions(),
		coordinator.WithMetrics(metrics),
		coordinator.WithLogger(a.logger),
	)
	coord.Start(ctx)
	defer coord.Stop()

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
		a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)
	}

	a.logger.Info("sync started", "remote", a.cfg.RemoteURL, "interval", a.cfg.Sync.AutoInterval)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync running. Press Ctrl-C to stop.")

	// First attempt right away; the ticker only fires after a full interval.
	go func() { _, _ = coord.RequestSync(ctx, coordinator.ModeAuto) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = WrapExitError(ExitFailure, "metrics server failed", err)
		cancel()
	}

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics shutdown", "error", err)
		}
	}

	st := coord.Status()
	a.logger.Info("sync stopped", "phase", st.Phase, "consecutive_failures", st.ConsecutiveFailures)
	return runErr
}
