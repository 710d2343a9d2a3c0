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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slate-dev/slate/internal/api"
	"github.com/slate-dev/slate/internal/app"
	"github.com/slate-dev/slate/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with scheduled ticks and sweeps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return opts.withApp(ctx, func(a *app.App) error {
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

func serve(ctx context.Context, a *app.App) error {
	cfg, logger := a.Config, a.Logger

	trigger := scheduler.NewTrigger(logger)
	if err := trigger.Add("tick", cfg.Schedule.Tick, func(ctx context.Context) error {
		_, err := a.Tick(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := trigger.Add("sweep", cfg.Schedule.Sweep, func(ctx context.Context) error {
		_, err := a.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewHandler(a, cfg.HTTP.AllowedOrigins, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := a.Registry.Start(gctx); err != nil {
		return fmt.Errorf("failed to start health checks: %w", err)
	}
	if err := a.Metrics.Start(gctx); err != nil {
		a.Registry.Stop()
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}
	trigger.Start(gctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		trigger.Stop()
		a.Registry.Stop()
		a.Metrics.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	})

	return g.Wait()
}
