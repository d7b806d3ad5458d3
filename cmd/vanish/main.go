// Package main provides the vanish binary. "vanish serve" runs the HTTP API
// together with the background reaper; "vanish reap" runs a single reaper
// pass against the configured data directory and exits.
//
// Configuration comes from VANISH_* environment variables, optionally seeded
// from a .env file given with --env-file.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
