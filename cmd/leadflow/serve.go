package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/abhogle/leadops-os-sub001"
	"github.com/abhogle/leadops-os-sub001/internal/httpapi"
	"github.com/abhogle/leadops-os-sub001/internal/mcpserver"
	"github.com/abhogle/leadops-os-sub001/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newScheduler registers stuck-execution recovery and, when withTriggers is
// set, the configured triggers.
func (a *app) newScheduler(b *leadflow.Bundle, withTriggers bool) (*scheduler.Scheduler, error) {
	s := scheduler.New(a.logger, scheduler.Options{})
	if a.cfg.Recovery.Schedule != "" {
		if err := s.AddRecovery(a.cfg.Recovery.Schedule, a.cfg.Recovery.OlderThan, b.Runtime); err != nil {
			return nil, err
		}
	}
	if withTriggers {
		for _, t := range a.cfg.Triggers {
			if err := s.AddTrigger(t, b.Runtime); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func newServeCmd(a *app) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the MCP endpoint, the worker pools and the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				return a.serve(ctx, b, !noWorkers)
			})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only; run workers with `leadflow worker`")
	return cmd
}

func (a *app) serve(ctx context.Context, b *leadflow.Bundle, runWorkers bool) error {
	if err := a.syncDefinitionDir(ctx, b); err != nil {
		return err
	}

	sched, err := a.newScheduler(b, true)
	if err != nil {
		return err
	}

	e := httpapi.NewEcho(b.Runtime, a.logger)
	mcp := mcpserver.New(b.Runtime, version, a.logger)
	e.Any("/mcp", echo.WrapHandler(mcp.HTTPHandler()))
	e.Any("/mcp/*", echo.WrapHandler(mcp.HTTPHandler()))

	srv := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server_starting", slog.String("address", srv.Addr), slog.String("backend", a.cfg.Backend.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server_shutdown_failed", slog.Any("error", err))
			return srv.Close()
		}
		a.logger.Info("server_stopped")
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	if runWorkers {
		g.Go(func() error { return b.Run(gctx) })
	}
	return g.Wait()
}

func newWorkerCmd(a *app) *cobra.Command {
	var withTriggers bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the job queues",
		Long: `Run the immediate and delayed worker pools against the configured backend.
Any number of worker processes may share one backend. Stuck-execution
recovery runs in every worker; triggers only run where --triggers is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				sched, err := a.newScheduler(b, withTriggers)
				if err != nil {
					return err
				}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return sched.Run(gctx) })
				g.Go(func() error { return b.Run(gctx) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&withTriggers, "triggers", false, "also fire the configured triggers")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				srv := mcpserver.New(b.Runtime, version, a.logger)
				if !withWorkers {
					return srv.Serve(ctx)
				}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return b.Run(gctx) })
				g.Go(func() error { return srv.Serve(gctx) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "also run the worker pools in this process")
	return cmd
}
