package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/haukened/vanish/internal/config"
)

func newRootCommand() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "vanish",
		Short: "Share files through expiring, limited-use links.",
		Long: `Vanish stores an uploaded file and hands back a link that works until the
file expires or its download quota is used up. A background reaper then
removes the bytes and, later, the metadata.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load KEY=VALUE pairs from this file before reading VANISH_* variables")
	cmd.AddCommand(newServeCommand(&envFile))
	cmd.AddCommand(newReapCommand(&envFile))
	return cmd
}

// setup loads the optional env file, the configuration and the logger that
// every subcommand needs. The logger also becomes the slog default.
func setup(envFile string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel, stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger builds the process logger. "json" uses the standard JSON handler;
// "text" renders through charmbracelet/log for console use.
func newLogger(format, level string, w io.Writer) (*slog.Logger, error) {
	switch format {
	case "json":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "text":
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		return slog.New(log.NewWithOptions(w, log.Options{
			Level:           lvl,
			ReportTimestamp: true,
			Prefix:          "vanish",
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
