package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/florianilch/claudine-gateway/cmd/claudine/commands"
)

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	// The first SIGINT/SIGTERM starts draining open streams; a second one exits without waiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	defer close(finished)
	go forceExitOnSecondSignal(ctx, finished)

	if err := commands.Execute(ctx, args, version, commit); err != nil {
		slog.ErrorContext(ctx, "claudine failed", "version", version, "error", err)
		return 1
	}
	return 0
}

func forceExitOnSecondSignal(ctx context.Context, finished <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-finished:
		return
	}

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-force:
		slog.Warn("forced exit before streams drained")
		os.Exit(130)
	case <-finished:
	}
}
