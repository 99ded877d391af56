package engine

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

type runOutcome struct {
	result *Result
	err    error
}

// RunWithGracefulShutdown runs the engine and stops it on SIGTERM/SIGINT.
// After a signal, in-flight batches get timeout to reach their sinks before
// the run context is cancelled.
func RunWithGracefulShutdown(ctx context.Context, engine *Engine, timeout time.Duration) (*Result, error) {
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	done := make(chan runOutcome, 1)
	go func() {
		res, err := engine.Run(ctx)
		done <- runOutcome{res, err}
	}()

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
		engine.Stop()

		select {
		case out := <-done:
			return out.result, out.err
		case <-time.After(timeout):
			slog.Warn("shutdown timeout expired, forcing exit", "timeout", timeout)
			cancel()
			out := <-done
			return out.result, out.err
		}

	case out := <-done:
		return out.result, out.err
	}
}
