package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/vanish/internal/config"
)

func newServeCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*envFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			return serve(cmd.Context(), cfg, logger, ln)
		},
	}
}

// newServer leaves body read and write deadlines unset: uploads and
// downloads stream files of up to max_file_size.
func newServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serve runs until ctx is canceled or the listener fails, then shuts down
// within cfg.ShutdownTimeout.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	c, err := openComponents(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer c.close()

	if n, err := c.sweepStaging(); err != nil {
		logger.Warn("staging sweep incomplete", "removed", n, "err", err)
	} else if n > 0 {
		logger.Info("removed stale staging files", "count", n)
	}

	bg := context.WithoutCancel(ctx)
	c.metrics.Start(bg)
	c.reaper.Start(bg)

	srv := newServer(c.handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String(), "pid", os.Getpid(), "storage", cfg.StorageDriver)
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	return errors.Join(serveErr, c.shutdown(srv))
}

// shutdown drains in order: HTTP requests, the reaper, post-download
// cleanups and finally the metrics flush.
func (c *components) shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := c.reaper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reaper stop: %w", err))
	}
	if err := c.service.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending cleanups: %w", err))
	}
	if err := c.metrics.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics flush: %w", err))
	}
	c.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
