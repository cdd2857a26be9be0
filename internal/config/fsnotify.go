package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WatchFile sends the clients defined at path on ch. When watch is true it
// keeps sending the file contents whenever it is written or replaced until
// ctx is done, at which point ch is closed.
func WatchFile(ctx context.Context, ch chan<- *Clients, path string, watch bool) error {
	clients, err := buildClientsAtPath(path)
	if err != nil {
		return err
	}

	// feed initial clients
	select {
	case ch <- clients:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				slog.Debug("Watcher event", "event", event)

				if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Remove)) {
					continue
				}

				if event.Has(fsnotify.Remove) {
					// remove and re-add as the file has been moved atomically
					_ = watcher.Remove(event.Name)
					if err := watcher.Add(path); err != nil {
						slog.Error("Re-watching clients file", "path", path, "error", err)
					}
				}

				clients, err := buildClientsAtPath(path)
				if err != nil {
					slog.Error("Reading clients", "error", err)
					continue
				}

				select {
				case ch <- clients:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				slog.Error("Watching clients", "error", err)
			}
		}
	}()

	return nil
}

func buildClientsAtPath(path string) (*Clients, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading clients: %w", err)
	}

	defer fi.Close()

	var clients Clients
	if err := yaml.NewDecoder(fi).Decode(&clients); err != nil {
		return nil, fmt.Errorf("decoding clients: %w", err)
	}

	if err := clients.Validate(); err != nil {
		return nil, fmt.Errorf("validating clients: %w", err)
	}

	return &clients, nil
}
