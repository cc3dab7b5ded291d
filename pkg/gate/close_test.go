package gate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
)

type closeFixture struct {
	c       *Closer
	store   *fakeGateStore
	launch  *fakeLaunch
	out     *bytes.Buffer
	pids    map[int]bool
	signals []syscall.Signal
	slept   int
}

func newCloseFixture(t *testing.T) *closeFixture {
	dir := t.TempDir()
	cfg := &config.Config{
		URL:          "http://datastore.test",
		Key:          "secret",
		DataDir:      filepath.Join(dir, "data"),
		ProjectsRoot: filepath.Join(dir, "projects"),
		GatehouseDir: filepath.Join(dir, "gatehouse"),
	}
	require.NoError(t, os.MkdirAll(cfg.GatehouseDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte("4242"), 0o644))

	f := &closeFixture{
		store:  &fakeGateStore{},
		launch: &fakeLaunch{installed: true, loaded: true},
		out:    &bytes.Buffer{},
		pids:   map[int]bool{4242: true},
	}
	f.c = NewCloser(cfg, f.store, f.launch, f.out)
	f.c.sleep = func(time.Duration) { f.slept++ }
	f.c.alive = func(pid int) bool { return f.pids[pid] }
	f.c.signal = func(pid int, sig syscall.Signal) error {
		f.signals = append(f.signals, sig)
		f.pids[pid] = false
		return nil
	}
	return f
}

func TestClose_StopsDaemonAndUnloads(t *testing.T) {
	f := newCloseFixture(t)

	require.NoError(t, f.c.Close(context.Background()))

	assert.Equal(t, []bool{false}, f.store.sets)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, f.signals)

	_, err := os.Stat(f.c.cfg.PIDFile())
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, f.launch.unloads, 1)

	out := f.out.String()
	assert.Contains(t, out, "facility closed")
	assert.Contains(t, out, "pid 4242 stopped")
	assert.Contains(t, out, "unloaded")
}

func TestClose_EscalatesToSigkill(t *testing.T) {
	f := newCloseFixture(t)
	f.c.signal = func(pid int, sig syscall.Signal) error {
		f.signals = append(f.signals, sig)
		if sig == syscall.SIGKILL {
			f.pids[pid] = false
		}
		return nil
	}

	require.NoError(t, f.c.Close(context.Background()))

	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, f.signals)
	assert.Equal(t, 20, f.slept) // 5 s deadline at 250 ms per poll
	assert.Contains(t, f.out.String(), "killed after")
}

func TestClose_StatusWriteFailureAborts(t *testing.T) {
	f := newCloseFixture(t)
	f.store.setErr = errors.New("datastore down")

	require.Error(t, f.c.Close(context.Background()))

	assert.Empty(t, f.signals)
	assert.Empty(t, f.launch.unloads)
	assert.Contains(t, f.out.String(), "still marked open")
}

func TestClose_NoDaemonStillFinishes(t *testing.T) {
	f := newCloseFixture(t)
	require.NoError(t, os.Remove(f.c.cfg.PIDFile()))

	require.NoError(t, f.c.Close(context.Background()))

	assert.Empty(t, f.signals)
	assert.Len(t, f.launch.unloads, 1)
	assert.Contains(t, f.out.String(), "not running")
}

func TestClose_StalePIDFileSkipsSignals(t *testing.T) {
	f := newCloseFixture(t)
	f.pids[4242] = false

	require.NoError(t, f.c.Close(context.Background()))

	assert.Empty(t, f.signals)
	assert.Contains(t, f.out.String(), "stale pid file")

	_, err := os.Stat(f.c.cfg.PIDFile())
	assert.True(t, os.IsNotExist(err))
}

func TestClose_UnloadFailureWarnsOnly(t *testing.T) {
	f := newCloseFixture(t)
	f.launch.unloadErr = errors.New("launchctl unavailable")

	require.NoError(t, f.c.Close(context.Background()))
	assert.Equal(t, []bool{false}, f.store.sets)
}
