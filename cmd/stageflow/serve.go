package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/stageflow/internal/eventbridge"
	"github.com/kingrea/stageflow/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with the HTTP bridge and metrics endpoint",
	Long: `serve resumes stored instances, then keeps the engine running: gate
timeouts are checked every engine.timeout_poll_interval, external agents
report completions and approvers record decisions through the HTTP bridge,
and Prometheus metrics are served on metrics.addr.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, appOptions{metrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resumed, err := a.engine.Resume(ctx)
	if err != nil {
		a.logger.Warn("resume incomplete", "err", err)
	}
	a.logger.Info("instances resumed", "count", resumed)

	bridge := eventbridge.NewServer(
		eventbridge.SettingsFromConfig(a.cfg),
		a.engine,
		eventbridge.WithRouter(a.router),
		eventbridge.WithLogger(a.logger),
	)
	switch err := bridge.Start(ctx); {
	case errors.Is(err, eventbridge.ErrServerDisabled):
		a.logger.Info("bridge disabled")
	case err != nil:
		return err
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "bridge listening on %s\n", bridge.BaseURL())
	}

	var metricsServer *http.Server
	if addr := a.cfg.Metrics.Addr; addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("metrics: listen %s: %w", addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler(a.registry))
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics: serve error", "err", err)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "metrics on http://%s/metrics\n", listener.Addr())
	}

	err = a.engine.Run(ctx, a.cfg.Engine.TimeoutPollInterval)
	a.logger.Info("shutting down", "reason", err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
