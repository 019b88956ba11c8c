package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/paramhub/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func startWatcher(t *testing.T, path string) <-chan *config.Config {
	t.Helper()
	reloads := make(chan *config.Config, 4)
	w, err := New(path, 20*time.Millisecond, func(cfg *config.Config) { reloads <- cfg }, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return reloads
}

func TestReloadOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paramhub.yml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  debounce_window: 50ms\n"), 0644))
	reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("hub:\n  debounce_window: 200ms\n"), 0644))

	select {
	case cfg := <-reloads:
		assert.Equal(t, 200*time.Millisecond, cfg.Hub.Debounce())
		assert.Equal(t, path, cfg.Path)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
}

func TestInvalidFileKeepsWaiting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paramhub.yml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  debounce_window: 50ms\n"), 0644))
	reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("hub:\n  debounce_window: soon\n"), 0644))
	select {
	case cfg := <-reloads:
		t.Fatalf("invalid config reloaded: %+v", cfg.Hub)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("hub:\n  cad_timeout: 5s\n"), 0644))
	select {
	case cfg := <-reloads:
		assert.Equal(t, 5*time.Second, cfg.Hub.RoundTripTimeout())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after fix")
	}
}

func TestIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paramhub.yml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  debounce_window: 50ms\n"), 0644))
	reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yml"), []byte("x: 1\n"), 0644))
	select {
	case <-reloads:
		t.Fatal("reloaded for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
