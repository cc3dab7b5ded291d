package gate

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/daemon"
)

const (
	stopDeadline = 5 * time.Second
	stopPoll     = 250 * time.Millisecond
)

// Closer flips the facility closed and tears the exporter down. Only the
// flag write is fatal; local cleanup failures degrade to warnings so the
// facility is never left marked open over a stuck process or file.
type Closer struct {
	cfg    *config.Config
	store  Store
	launch Launcher
	out    io.Writer

	sleep  func(time.Duration)
	alive  func(pid int) bool
	signal func(pid int, sig syscall.Signal) error
}

// NewCloser wires a closer against the real process table.
func NewCloser(cfg *config.Config, store Store, launch Launcher, out io.Writer) *Closer {
	return &Closer{
		cfg:    cfg,
		store:  store,
		launch: launch,
		out:    out,
		sleep:  time.Sleep,
		alive:  daemon.Alive,
		signal: syscall.Kill,
	}
}

// Close runs the teardown: flag, process, pid file, launchd agent.
func (c *Closer) Close(ctx context.Context) error {
	printHeader(c.out, "gatehouse close")

	if err := c.store.SetFacilityStatus(ctx, false); err != nil {
		printStep(c.out, "facility flag", fail(fmt.Sprintf("writing status: %v", err), "the facility is still marked open"))
		return fmt.Errorf("set facility closed: %w", err)
	}
	printStep(c.out, "facility flag", pass("facility closed"))

	c.stopDaemon()

	if err := daemon.RemovePIDFile(c.cfg.PIDFile()); err != nil {
		printStep(c.out, "pid file", warn(err.Error()))
	} else {
		printStep(c.out, "pid file", pass("removed"))
	}

	link, err := c.cfg.AgentPlistLink()
	if err == nil {
		err = c.launch.Unload(ctx, link)
	}
	if err != nil {
		printStep(c.out, "launchd agent", warn(err.Error()))
	} else {
		printStep(c.out, "launchd agent", pass("unloaded"))
	}
	return nil
}

// stopDaemon terminates a running exporter, escalating to SIGKILL when it
// sits out the SIGTERM deadline.
func (c *Closer) stopDaemon() {
	pid, err := daemon.ReadPIDFile(c.cfg.PIDFile())
	if err != nil {
		printStep(c.out, "exporter process", pass("not running"))
		return
	}
	if !c.alive(pid) {
		printStep(c.out, "exporter process", pass("not running, stale pid file"))
		return
	}

	if err := c.signal(pid, syscall.SIGTERM); err != nil {
		printStep(c.out, "exporter process", warn(fmt.Sprintf("signalling pid %d: %v", pid, err)))
		return
	}
	for waited := time.Duration(0); waited < stopDeadline; waited += stopPoll {
		c.sleep(stopPoll)
		if !c.alive(pid) {
			printStep(c.out, "exporter process", pass(fmt.Sprintf("pid %d stopped", pid)))
			return
		}
	}

	if err := c.signal(pid, syscall.SIGKILL); err != nil {
		printStep(c.out, "exporter process", warn(fmt.Sprintf("killing pid %d: %v", pid, err)))
		return
	}
	printStep(c.out, "exporter process", warn(fmt.Sprintf("pid %d killed after %s", pid, stopDeadline)))
}
