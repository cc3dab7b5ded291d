package gate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/daemon"
	"github.com/gatehouse-labs/gatehouse/pkg/datastore"
	"github.com/gatehouse-labs/gatehouse/pkg/service"
)

// Store is the slice of the datastore client the gate commands drive.
type Store interface {
	FacilityStatus(ctx context.Context) (*datastore.FacilityRow, error)
	SetFacilityStatus(ctx context.Context, open bool) error
	VerifyFacilityStatus(ctx context.Context, open bool) error
}

// Launcher manages the launchd agent. *service.Manager implements it.
type Launcher interface {
	Installed(linkPath, target string) bool
	Link(target, linkPath string) error
	Loaded(ctx context.Context, label string) bool
	Load(ctx context.Context, plist string) error
	Unload(ctx context.Context, plist string) error
}

const (
	siteTimeout   = 10 * time.Second
	spawnDeadline = 5 * time.Second
	spawnPoll     = 500 * time.Millisecond
	heartbeatMax  = 10 * time.Second
	heartbeatWait = 6 * time.Second
	logTailLines  = 10
)

// Opener runs the open preflight: eight ordered checks, each proving one
// layer of the pipeline, with the facility flag flipped only after all of
// them hold. The clock, sleeper, and process probe are fields so tests can
// run the polling steps without wall time.
type Opener struct {
	cfg    *config.Config
	store  Store
	launch Launcher
	site   *http.Client
	out    io.Writer

	now   func() time.Time
	sleep func(time.Duration)
	alive func(pid int) bool
}

// NewOpener wires an opener against the real clock and process table.
func NewOpener(cfg *config.Config, store Store, launch Launcher, out io.Writer) *Opener {
	return &Opener{
		cfg:    cfg,
		store:  store,
		launch: launch,
		site:   &http.Client{Timeout: siteTimeout},
		out:    out,
		now:    time.Now,
		sleep:  time.Sleep,
		alive:  daemon.Alive,
	}
}

// Open runs the preflight in order and aborts on the first failing step.
func (o *Opener) Open(ctx context.Context) error {
	printHeader(o.out, "gatehouse open")

	steps := []struct {
		name string
		run  func(ctx context.Context) Result
	}{
		{"environment", o.stepEnv},
		{"datastore", o.stepDatastore},
		{"deployment health", o.stepHealth},
		{"site reachable", o.stepSite},
		{"service registered", o.stepService},
		{"exporter process", o.stepDaemon},
		{"telemetry flowing", o.stepTelemetry},
		{"facility flag", o.stepFlip},
	}

	for _, s := range steps {
		res := s.run(ctx)
		printStep(o.out, s.name, res)
		if res.Status == StatusFail {
			return fmt.Errorf("%s: %s", s.name, res.Detail)
		}
	}

	o.printSummary(ctx)
	return nil
}

func (o *Opener) stepEnv(context.Context) Result {
	if _, err := os.Stat(o.cfg.EnvFile()); err != nil {
		return fail("no .env in "+o.cfg.GatehouseDir, "create "+o.cfg.EnvFile()+" with URL and KEY")
	}
	if err := o.cfg.RequireDatastore(); err != nil {
		return fail(err.Error(), "set URL and KEY in "+o.cfg.EnvFile())
	}
	return pass("datastore credentials present")
}

func (o *Opener) stepDatastore(ctx context.Context) Result {
	start := o.now()
	row, err := o.store.FacilityStatus(ctx)
	if err != nil {
		if msg := err.Error(); strings.Contains(msg, "401") || strings.Contains(msg, "403") {
			return fail("authentication rejected: "+msg, "KEY in "+o.cfg.EnvFile()+" looks wrong or expired")
		}
		return fail(err.Error(), "datastore unreachable, check URL and your network")
	}
	latency := o.now().Sub(start)
	return pass(fmt.Sprintf("facility %q, %s round trip", row.Status, latency.Round(time.Millisecond)))
}

func (o *Opener) stepHealth(ctx context.Context) Result {
	if o.cfg.SiteURL == "" {
		return warn("SITE_URL not set, skipping")
	}
	url := strings.TrimRight(o.cfg.SiteURL, "/") + "/api/health"
	return o.checkURL(ctx, http.MethodGet, url, "health endpoint")
}

func (o *Opener) stepSite(ctx context.Context) Result {
	if o.cfg.SiteURL == "" {
		return warn("SITE_URL not set, skipping")
	}
	return o.checkURL(ctx, http.MethodHead, o.cfg.SiteURL, "site")
}

func (o *Opener) checkURL(ctx context.Context, method, url, what string) Result {
	ctx, cancel := context.WithTimeout(ctx, siteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fail(fmt.Sprintf("bad url %s: %v", url, err), "check SITE_URL")
	}
	resp, err := o.site.Do(req)
	if err != nil {
		return fail(fmt.Sprintf("%s unreachable: %v", what, err), "check SITE_URL and your network")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Sprintf("%s returned %s", what, resp.Status), "the deployment looks unhealthy")
	}
	return pass(fmt.Sprintf("%s %s", what, resp.Status))
}

// stepService self-heals the launchd registration: the plist must ship with
// the exporter, the LaunchAgents symlink and the load are recreated on the
// spot when missing.
func (o *Opener) stepService(ctx context.Context) Result {
	plist := o.cfg.PlistFile()
	if _, err := os.Stat(plist); err != nil {
		return fail("agent plist missing from "+o.cfg.GatehouseDir, config.PlistName+" ships with the exporter, reinstall it")
	}

	link, err := o.cfg.AgentPlistLink()
	if err != nil {
		return fail(err.Error(), "")
	}
	if !o.launch.Installed(link, plist) {
		if err := o.launch.Link(plist, link); err != nil {
			return fail(fmt.Sprintf("linking agent plist: %v", err), "check permissions on "+link)
		}
	}

	if o.launch.Loaded(ctx, service.Label(config.PlistName)) {
		return pass("agent linked and loaded")
	}
	if err := o.launch.Load(ctx, link); err != nil {
		return fail(fmt.Sprintf("loading agent: %v", err), "try `launchctl load "+link+"` by hand")
	}
	return pass("agent loaded")
}

func (o *Opener) stepDaemon(ctx context.Context) Result {
	if pid, ok := o.livePID(); ok {
		return pass(fmt.Sprintf("exporter running, pid %d", pid))
	}

	// Freshly loaded; give the service manager a moment to spawn it.
	deadline := o.now().Add(spawnDeadline)
	for o.now().Before(deadline) && ctx.Err() == nil {
		o.sleep(spawnPoll)
		if pid, ok := o.livePID(); ok {
			return pass(fmt.Sprintf("exporter started, pid %d", pid))
		}
	}

	res := fail("exporter did not start", "inspect "+o.cfg.ErrorLog())
	res.Log = errorLogTail(o.cfg.ErrorLog(), logTailLines)
	return res
}

func (o *Opener) livePID() (int, bool) {
	pid, err := daemon.ReadPIDFile(o.cfg.PIDFile())
	if err != nil || !o.alive(pid) {
		return 0, false
	}
	return pid, true
}

// stepTelemetry proves data is actually flowing: a fresh facility heartbeat
// passes outright, a stale one gets one aggregate interval to advance.
func (o *Opener) stepTelemetry(ctx context.Context) Result {
	row, err := o.store.FacilityStatus(ctx)
	if err != nil {
		return fail(err.Error(), "datastore went away mid-preflight")
	}
	if age := o.now().UTC().Sub(row.UpdatedAt); age < heartbeatMax {
		return pass(fmt.Sprintf("last sync %s", humanize.RelTime(row.UpdatedAt, o.now().UTC(), "ago", "from now")))
	}

	o.sleep(heartbeatWait)
	again, err := o.store.FacilityStatus(ctx)
	if err != nil {
		return fail(err.Error(), "datastore went away mid-preflight")
	}
	if again.UpdatedAt.After(row.UpdatedAt) {
		return pass("heartbeat advanced after wait")
	}

	res := fail(
		fmt.Sprintf("telemetry stale, last sync %s", humanize.RelTime(row.UpdatedAt, o.now().UTC(), "ago", "from now")),
		"the exporter is running but not syncing, inspect "+o.cfg.ErrorLog())
	res.Log = errorLogTail(o.cfg.ErrorLog(), logTailLines)
	return res
}

func (o *Opener) stepFlip(ctx context.Context) Result {
	if err := o.store.SetFacilityStatus(ctx, true); err != nil {
		return fail(fmt.Sprintf("writing status: %v", err), "")
	}
	if err := o.store.VerifyFacilityStatus(ctx, true); err != nil {
		return fail(err.Error(), "another writer may be fighting over the flag")
	}
	return pass("facility open")
}

// printSummary renders the post-open snapshot of the facility row.
func (o *Opener) printSummary(ctx context.Context) {
	row, err := o.store.FacilityStatus(ctx)
	if err != nil {
		return
	}

	projects := "none"
	if len(row.ActiveProjects) > 0 {
		projects = strings.Join(row.ActiveProjects, ", ")
	}
	pid, _ := daemon.ReadPIDFile(o.cfg.PIDFile())

	tw := table.NewWriter()
	tw.SetOutputMirror(o.out)
	tw.SetStyle(table.StyleLight)
	tw.AppendRow(table.Row{"status", row.Status})
	tw.AppendRow(table.Row{"exporter pid", pid})
	tw.AppendRow(table.Row{"agents", fmt.Sprintf("%d active / %d running", row.ActiveAgents, row.AgentCount)})
	tw.AppendRow(table.Row{"projects", projects})
	tw.AppendRow(table.Row{"lifetime tokens", humanize.Comma(row.LifetimeTokens)})
	tw.AppendRow(table.Row{"last sync", humanize.RelTime(row.UpdatedAt, o.now().UTC(), "ago", "from now")})
	tw.Render()
}
