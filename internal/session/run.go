package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const DefaultTickRate = 16 * time.Millisecond

type RunOptions struct {
	// TickRate is the interval between Loop calls.
	TickRate time.Duration
	Logger   *slog.Logger
	// AfterLoop, if set, runs after every tick that kept the session alive.
	// Returning an error ends the run with that error.
	AfterLoop func() error
}

// Run drives conn at a fixed tick rate until ctx is cancelled, Loop returns
// false or Loop fails. The connection is always killed before Run returns.
func Run(ctx context.Context, conn Connection, opts RunOptions) (err error) {
	if opts.TickRate <= 0 {
		opts.TickRate = DefaultTickRate
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	defer func() {
		if kerr := conn.Kill(); kerr != nil && !errors.Is(kerr, ErrKilled) {
			err = errors.Join(err, kerr)
		}
	}()

	ticker := time.NewTicker(opts.TickRate)
	defer ticker.Stop()

	var ticks uint64
	for {
		if ctx.Err() != nil {
			logger.Info("Stopping session loop", slog.Uint64("ticks", ticks))
			return nil
		}

		running, lerr := conn.Loop()
		if lerr != nil {
			return fmt.Errorf("session loop: %w", lerr)
		}
		ticks++
		if !running {
			logger.Info("Session loop finished", slog.Uint64("ticks", ticks))
			return nil
		}

		if opts.AfterLoop != nil {
			if err := opts.AfterLoop(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}
