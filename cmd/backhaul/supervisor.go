package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.flipt.io/backhaul/client"
	"go.flipt.io/backhaul/internal/config"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// supervisor runs one client.Run per configured client and restarts the set
// whenever a new configuration arrives.
type supervisor struct {
	meter metric.Meter
	k8s   *config.K8sSource
}

// run starts the clients of the first configuration on updates.
// When watching is false it returns once every client stopped, with the first
// permanent error observed. Otherwise it runs until ctx is done.
func (s *supervisor) run(ctx context.Context, updates <-chan *config.Clients, watching bool) error {
	var (
		cancel = func() {}
		group  = &errgroup.Group{}
	)

	stop := func() {
		cancel()
		if err := group.Wait(); err != nil {
			slog.Error("Client stopped", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			return nil
		case clients, ok := <-updates:
			if !ok {
				// source finished, keep the current set running
				updates = nil
				continue
			}

			stop()

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(ctx)
			group = &errgroup.Group{}

			if err := s.start(runCtx, group, clients); err != nil {
				cancel()
				if !watching {
					return err
				}

				slog.Error("Starting clients", "error", err)
				continue
			}

			if !watching {
				defer cancel()
				return group.Wait()
			}
		}
	}
}

func (s *supervisor) start(ctx context.Context, group *errgroup.Group, clients *config.Clients) error {
	if clients.UsesSecrets() && s.k8s == nil {
		k8s, err := config.NewK8sSource()
		if err != nil {
			return fmt.Errorf("initializing kubernetes source: %w", err)
		}

		s.k8s = k8s
	}

	var all []client.Options
	for name, cl := range clients.Clients {
		opts, err := cl.Options(ctx, s.k8s)
		if err != nil {
			return fmt.Errorf("client %q: %w", name, err)
		}

		opts.Logger = slog.With("client", name)
		opts.Meter = s.meter

		all = append(all, opts)
	}

	for _, opts := range all {
		opts := opts
		opts.Logger.Info("Starting client", "server", opts.ServerURI)

		group.Go(func() error {
			return client.Run(ctx, opts)
		})
	}

	return nil
}
