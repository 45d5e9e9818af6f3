package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anna/internal/config"
	"anna/internal/di"
	"anna/internal/logging"
	"anna/internal/observability"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *cliOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			listener, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
			}
			obs := observability.New(cfg.Observability, os.Stderr)
			return runServer(ctx, cfg, obs, listener)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Override server.addr")
	return cmd
}

// runServer serves on listener until ctx is cancelled, then shuts down the
// HTTP server, the gateway and sessions, and observability in that order.
func runServer(ctx context.Context, cfg config.Config, obs *observability.Observability, listener net.Listener) error {
	logging.SetDefault(obs.Logger)
	logger := logging.NewComponentLogger("Main")

	container, err := di.BuildContainer(cfg, obs)
	if err != nil {
		_ = listener.Close()
		_ = obs.Shutdown(context.Background())
		return err
	}

	srv := &http.Server{
		Handler:           container.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening on %s", listener.Addr())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := container.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := obs.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		logger.Info("Server stopped")
		return errors.Join(errs...)
	})
	return g.Wait()
}
