package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskbroker/internal/config"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Setenv(config.EnvAuthKey, "")
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth_key: one\n"), 0o600))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	got := make(chan config.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, func(c config.Config) { got <- c })
	}()

	// The watcher registers asynchronously; keep rewriting until it reports.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-got:
			require.Equal(t, "two", c.AuthKey)
			cancel()
			require.NoError(t, <-done)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("auth_key: two\n"), 0o600))
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
