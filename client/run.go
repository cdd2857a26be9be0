package client

import (
	"context"
	"log/slog"
	"time"
)

// Run keeps a Client for opts connected until ctx is done.
//
// Every attempt uses a new Client. Between attempts Run waits according to
// DefaultBackoff, which starts over once an attempt became active. Run stops
// and returns the error when the server rejects the credentials or opts are
// invalid. It returns nil once ctx is done.
func Run(ctx context.Context, opts Options) error {
	log := coallesce(opts.Logger, slog.Default()).With("server", opts.ServerURI)

	backoff := DefaultBackoff
	for {
		active, err := runOnce(ctx, opts)
		if ctx.Err() != nil {
			return nil
		}

		switch Code(err) {
		case ConnectUnauthorized, ConnectForbid, InvalidOptions:
			log.Error("Transport stopped permanently", "error", err)
			return err
		}

		if active {
			backoff = DefaultBackoff
		}

		delay := backoff.Step()
		log.Warn("Transport ended, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func runOnce(ctx context.Context, opts Options) (active bool, err error) {
	c, err := New(opts)
	if err != nil {
		return false, err
	}

	defer c.Close()

	err = c.Transport(ctx)

	return c.wasActive.Load(), err
}
