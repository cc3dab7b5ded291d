package gate

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/datastore"
)

// fakeGateStore plays back facility rows from a queue; the last row repeats.
type fakeGateStore struct {
	rows      []*datastore.FacilityRow
	rowErr    error
	setErr    error
	verifyErr error
	sets      []bool
	verifies  []bool
}

func (s *fakeGateStore) FacilityStatus(context.Context) (*datastore.FacilityRow, error) {
	if s.rowErr != nil {
		return nil, s.rowErr
	}
	if len(s.rows) == 0 {
		return nil, errors.New("facility status row missing")
	}
	row := *s.rows[0]
	if len(s.rows) > 1 {
		s.rows = s.rows[1:]
	}
	return &row, nil
}

func (s *fakeGateStore) SetFacilityStatus(_ context.Context, open bool) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.sets = append(s.sets, open)
	return nil
}

func (s *fakeGateStore) VerifyFacilityStatus(_ context.Context, open bool) error {
	s.verifies = append(s.verifies, open)
	return s.verifyErr
}

type fakeLaunch struct {
	installed bool
	loaded    bool
	linkErr   error
	loadErr   error
	unloadErr error
	links     [][2]string
	loads     []string
	unloads   []string
}

func (l *fakeLaunch) Installed(string, string) bool { return l.installed }

func (l *fakeLaunch) Link(target, link string) error {
	if l.linkErr != nil {
		return l.linkErr
	}
	l.links = append(l.links, [2]string{target, link})
	l.installed = true
	return nil
}

func (l *fakeLaunch) Loaded(context.Context, string) bool { return l.loaded }

func (l *fakeLaunch) Load(_ context.Context, plist string) error {
	if l.loadErr != nil {
		return l.loadErr
	}
	l.loads = append(l.loads, plist)
	l.loaded = true
	return nil
}

func (l *fakeLaunch) Unload(_ context.Context, plist string) error {
	if l.unloadErr != nil {
		return l.unloadErr
	}
	l.unloads = append(l.unloads, plist)
	return nil
}

type openFixture struct {
	o      *Opener
	store  *fakeGateStore
	launch *fakeLaunch
	out    *bytes.Buffer
	clock  time.Time
	slept  []time.Duration
	pids   map[int]bool
}

// newOpenFixture wires an opener whose environment is fully healthy: env
// file and plist present, agent installed and loaded, exporter live with a
// fresh heartbeat. Tests break one thing at a time.
func newOpenFixture(t *testing.T) *openFixture {
	dir := t.TempDir()
	cfg := &config.Config{
		URL:          "http://datastore.test",
		Key:          "secret",
		DataDir:      filepath.Join(dir, "data"),
		ProjectsRoot: filepath.Join(dir, "projects"),
		GatehouseDir: filepath.Join(dir, "gatehouse"),
	}
	require.NoError(t, os.MkdirAll(cfg.GatehouseDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.EnvFile(), []byte("URL=http://datastore.test\nKEY=secret\n"), 0o600))
	require.NoError(t, os.WriteFile(cfg.PlistFile(), []byte("<plist/>"), 0o644))
	require.NoError(t, os.WriteFile(cfg.PIDFile(), []byte("4242"), 0o644))

	f := &openFixture{
		store:  &fakeGateStore{},
		launch: &fakeLaunch{installed: true, loaded: true},
		out:    &bytes.Buffer{},
		clock:  time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC),
		pids:   map[int]bool{4242: true},
	}
	f.store.rows = []*datastore.FacilityRow{
		{ID: 1, Status: datastore.StatusDormant, UpdatedAt: f.clock.Add(-2 * time.Second)},
	}
	f.o = NewOpener(cfg, f.store, f.launch, f.out)
	f.o.now = func() time.Time { return f.clock }
	f.o.sleep = func(d time.Duration) {
		f.slept = append(f.slept, d)
		f.clock = f.clock.Add(d)
	}
	f.o.alive = func(pid int) bool { return f.pids[pid] }
	return f
}

func TestOpen_AllStepsPass(t *testing.T) {
	f := newOpenFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	f.o.cfg.SiteURL = srv.URL
	f.o.site = srv.Client()

	require.NoError(t, f.o.Open(context.Background()))

	assert.Equal(t, []bool{true}, f.store.sets)
	assert.Equal(t, []bool{true}, f.store.verifies)

	out := f.out.String()
	assert.Contains(t, out, "facility open")
	assert.Contains(t, out, "exporter running, pid 4242")
	assert.NotContains(t, out, "✗")
}

func TestOpen_MissingEnvAborts(t *testing.T) {
	f := newOpenFixture(t)
	require.NoError(t, os.Remove(f.o.cfg.EnvFile()))

	err := f.o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment")
	assert.Empty(t, f.store.sets)
}

func TestOpen_AuthFailureHintsAtKey(t *testing.T) {
	f := newOpenFixture(t)
	f.store.rowErr = errors.New("datastore returned 401 Unauthorized for GET /facility_status")

	err := f.o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datastore")
	assert.Contains(t, f.out.String(), "KEY")
}

func TestOpen_UnhealthyDeploymentAborts(t *testing.T) {
	f := newOpenFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/api/health") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	f.o.cfg.SiteURL = srv.URL
	f.o.site = srv.Client()

	err := f.o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deployment health")
	assert.Empty(t, f.store.sets)
}

func TestOpen_MissingSiteURLWarnsOnly(t *testing.T) {
	f := newOpenFixture(t)

	require.NoError(t, f.o.Open(context.Background()))
	assert.Contains(t, f.out.String(), "SITE_URL not set")
}

func TestOpen_ServiceSelfHeals(t *testing.T) {
	f := newOpenFixture(t)
	f.launch.installed = false
	f.launch.loaded = false

	require.NoError(t, f.o.Open(context.Background()))

	require.Len(t, f.launch.links, 1)
	assert.Equal(t, f.o.cfg.PlistFile(), f.launch.links[0][0])
	assert.Len(t, f.launch.loads, 1)
}

func TestOpen_MissingPlistAborts(t *testing.T) {
	f := newOpenFixture(t)
	require.NoError(t, os.Remove(f.o.cfg.PlistFile()))

	err := f.o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service registered")
	assert.Empty(t, f.launch.links)
}

func TestOpen_WaitsForDaemonSpawn(t *testing.T) {
	f := newOpenFixture(t)
	require.NoError(t, os.Remove(f.o.cfg.PIDFile()))

	// The service manager "spawns" the exporter during the third poll.
	polls := 0
	f.o.sleep = func(d time.Duration) {
		f.clock = f.clock.Add(d)
		polls++
		if polls == 3 {
			require.NoError(t, os.WriteFile(f.o.cfg.PIDFile(), []byte("4242"), 0o644))
		}
	}

	require.NoError(t, f.o.Open(context.Background()))
	assert.Contains(t, f.out.String(), "exporter started, pid 4242")
	assert.Equal(t, 3, polls)
}

func TestOpen_DaemonNeverStartsPrintsLogTail(t *testing.T) {
	f := newOpenFixture(t)
	require.NoError(t, os.Remove(f.o.cfg.PIDFile()))

	var log strings.Builder
	for i := 1; i <= 12; i++ {
		log.WriteString(string(rune('a'+i-1)) + ": boom\n")
	}
	require.NoError(t, os.WriteFile(f.o.cfg.ErrorLog(), []byte(log.String()), 0o644))

	err := f.o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exporter process")

	out := f.out.String()
	assert.Contains(t, out, "l: boom")
	assert.Contains(t, out, "c: boom")
	assert.NotContains(t, out, "a: boom") // only the last 10 lines
}

func TestOpen_StaleHeartbeatAdvancesAfterWait(t *testing.T) {
	f := newOpenFixture(t)
	stale := f.clock.Add(-30 * time.Second)
	f.store.rows = []*datastore.FacilityRow{
		{Status: datastore.StatusDormant, UpdatedAt: stale},   // datastore step
		{Status: datastore.StatusDormant, UpdatedAt: stale},   // first heartbeat read
		{Status: datastore.StatusDormant, UpdatedAt: f.clock}, // advanced on re-read
		{Status: datastore.StatusActive, UpdatedAt: f.clock},  // summary
	}

	require.NoError(t, f.o.Open(context.Background()))
	assert.Contains(t, f.out.String(), "heartbeat advanced")
	assert.Contains(t, f.slept, heartbeatWait)
}

func TestOpen_StaleHeartbeatAborts(t *testing.T) {
	f := newOpenFixture(t)
	stale := f.clock.Add(-30 * time.Second)
	f.store.rows = []*datastore.FacilityRow{
		{Status: datastore.StatusDormant, UpdatedAt: stale},
	}

	err := f.o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry flowing")
	assert.Empty(t, f.store.sets)
}

func TestOpen_FlipVerifyMismatchAborts(t *testing.T) {
	f := newOpenFixture(t)
	f.store.verifyErr = errors.New(`facility status is "dormant", want "active"`)

	err := f.o.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "facility flag")
	assert.Equal(t, []bool{true}, f.store.sets)
}
