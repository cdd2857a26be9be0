package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.flipt.io/backhaul/internal/config"
)

func main() {
	flags := ff.NewFlagSet("backhaul")

	var conf Config
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	cmd := &ff.Command{
		Name:  "backhaul",
		Usage: "backhaul [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.Level(conf.Level),
			})))

			if err := conf.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, conf)
		},
	}

	if err := cmd.ParseAndRun(context.Background(), os.Args[1:],
		ff.WithEnvVarPrefix("BACKHAUL"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}

func run(ctx context.Context, conf Config) error {
	meter, err := serveManagement(ctx, conf.ManagementAddress)
	if err != nil {
		return err
	}

	sup := &supervisor{meter: meter}

	updates := make(chan *config.Clients, 1)
	watching := false

	switch {
	case conf.ConfigPath != "":
		watching = conf.Watch
		if err := config.WatchFile(ctx, updates, conf.ConfigPath, conf.Watch); err != nil {
			return err
		}
	case conf.ConfigMap != "":
		namespace, name, err := conf.configMapRef()
		if err != nil {
			return err
		}

		if sup.k8s, err = config.NewK8sSource(); err != nil {
			return fmt.Errorf("initializing kubernetes source: %w", err)
		}

		watching = true
		go func() {
			if err := sup.k8s.WatchConfigMap(ctx, updates, namespace, name, conf.ConfigMapKey); err != nil {
				slog.Error("Watching ConfigMap", "error", err)
			}
		}()
	default:
		clients, err := conf.clients()
		if err != nil {
			return err
		}

		updates <- clients
	}

	return sup.run(ctx, updates, watching)
}
