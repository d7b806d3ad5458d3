package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haukened/vanish/internal/config"
)

func newReapCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run a single reaper pass and exit",
		Long: `Reap runs one expire/exhaust/purge pass over the registry. It is safe to
run next to a live server sharing the same data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(*envFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return reapOnce(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func reapOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	c, err := openComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	st, runErr := c.reaper.RunOnce(ctx)
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	flushErr := c.metrics.Stop(flushCtx)
	if runErr != nil {
		return errors.Join(fmt.Errorf("reaper pass: %w", runErr), flushErr)
	}
	_, _ = fmt.Fprintf(out, "marked=%d purged=%d blobs_deleted=%d orphans=%d errors=%d duration=%s\n",
		st.Marked, st.Purged, st.BlobsDeleted, st.Orphans, st.Errors, st.Duration)
	return flushErr
}
