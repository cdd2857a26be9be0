package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_WatchFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		dir  = t.TempDir()
		path = filepath.Join(dir, "clients.yml")
	)

	require.NoError(t, os.WriteFile(path, []byte(clientsYAML), 0o600))

	ch := make(chan *Clients, 1)
	require.NoError(t, WatchFile(ctx, ch, path, true))

	select {
	case clients := <-ch:
		require.Len(t, clients.Clients, 2)
	case <-ctx.Done():
		t.Fatal("timed out waiting for initial clients")
	}

	// replace the file atomically the way mounted ConfigMaps are updated
	tmp := filepath.Join(dir, "clients.yml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`
clients:
  only:
    server_uri: wss://relay.example.com
    target_uri: http://localhost:9090
`), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	for {
		select {
		case clients, ok := <-ch:
			require.True(t, ok)
			if _, found := clients.Clients["only"]; found {
				require.Len(t, clients.Clients, 1)
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for updated clients")
		}
	}
}

func Test_WatchFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yml")
	require.NoError(t, os.WriteFile(path, []byte("clients: {}\n"), 0o600))

	err := WatchFile(context.Background(), make(chan *Clients, 1), path, false)
	require.ErrorContains(t, err, "validating clients")

	err = WatchFile(context.Background(), make(chan *Clients, 1), filepath.Join(t.TempDir(), "missing.yml"), false)
	require.ErrorContains(t, err, "reading clients")
}
