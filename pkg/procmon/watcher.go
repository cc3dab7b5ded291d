package procmon

import (
	"context"
	"sort"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
)

// Transition event types emitted by the watcher.
const (
	EventCreated = "instance:created"
	EventActive  = "instance:active"
	EventIdle    = "instance:idle"
	EventClosed  = "instance:closed"
)

// Source produces process snapshots for the watcher.
type Source interface {
	Snapshot(ctx context.Context) ([]Agent, error)
}

// Transition is one lifecycle event for a single agent process.
type Transition struct {
	Type  string
	Agent Agent
}

// SlugActivity is the per-slug agent state for slugs touched by a tick's
// events. Count can be zero after the slug's last agent closes.
type SlugActivity struct {
	Active int
	Count  int
}

// Summary is the facility-wide view over all currently known agents.
type Summary struct {
	AgentCount     int
	ActiveCount    int
	ActiveProjects []string
}

// TickReport carries everything a tick produced. Ticks without transitions
// produce no report at all.
type TickReport struct {
	Events  []Transition
	PerSlug map[string]SlugActivity
	Summary Summary
}

// Watcher samples a Source and turns raw per-PID activity into debounced
// lifecycle transitions: a PID is windowed-active when at least densityPct of
// its recent samples were raw-active, so a single busy sample flips a fresh
// agent to active immediately while an idle verdict needs sustained quiet.
type Watcher struct {
	source     Source
	windowSize int
	densityPct int
	now        func() time.Time

	windows      map[int32][]bool
	lastReported map[int32]bool
	agents       map[int32]Agent
	lastActive   time.Time
}

// NewWatcher wraps a snapshot source with default window parameters.
func NewWatcher(source Source) *Watcher {
	return &Watcher{
		source:       source,
		windowSize:   config.WindowSize,
		densityPct:   config.ActiveDensityPct,
		now:          time.Now,
		windows:      make(map[int32][]bool),
		lastReported: make(map[int32]bool),
		agents:       make(map[int32]Agent),
		lastActive:   time.Now(),
	}
}

// LastActive reports the most recent instant at which any agent was
// windowed-active. It starts at construction time so a freshly started
// watcher is never judged long-idle.
func (w *Watcher) LastActive() time.Time {
	return w.lastActive
}

// Tick takes one snapshot, advances every window, and returns the resulting
// transitions, or nil when the tick produced none.
func (w *Watcher) Tick(ctx context.Context) (*TickReport, error) {
	snapshot, err := w.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	fresh := make(map[int32]Agent, len(snapshot))
	for _, a := range snapshot {
		fresh[a.PID] = a
	}

	var events []Transition

	var vanished []int32
	for pid := range w.windows {
		if _, ok := fresh[pid]; !ok {
			vanished = append(vanished, pid)
		}
	}
	sort.Slice(vanished, func(i, j int) bool { return vanished[i] < vanished[j] })
	for _, pid := range vanished {
		events = append(events, Transition{Type: EventClosed, Agent: w.agents[pid]})
		delete(w.windows, pid)
		delete(w.lastReported, pid)
		delete(w.agents, pid)
	}

	anyActive := false
	for _, a := range snapshot {
		_, known := w.windows[a.PID]
		w.push(a.PID, a.RawActive)
		w.agents[a.PID] = a

		active := w.windowedActive(a.PID)
		if active {
			anyActive = true
		}

		if !known {
			events = append(events, Transition{Type: EventCreated, Agent: a})
			if active {
				events = append(events, Transition{Type: EventActive, Agent: a})
			}
			w.lastReported[a.PID] = active
			continue
		}
		if active != w.lastReported[a.PID] {
			typ := EventIdle
			if active {
				typ = EventActive
			}
			events = append(events, Transition{Type: typ, Agent: a})
			w.lastReported[a.PID] = active
		}
	}

	if anyActive {
		w.lastActive = w.now()
	}

	if len(events) == 0 {
		return nil, nil
	}

	return &TickReport{
		Events:  events,
		PerSlug: w.perSlug(events),
		Summary: w.summary(),
	}, nil
}

func (w *Watcher) push(pid int32, sample bool) {
	ring := append(w.windows[pid], sample)
	if len(ring) > w.windowSize {
		ring = ring[len(ring)-w.windowSize:]
	}
	w.windows[pid] = ring
}

func (w *Watcher) windowedActive(pid int32) bool {
	ring := w.windows[pid]
	if len(ring) == 0 {
		return false
	}
	trues := 0
	for _, s := range ring {
		if s {
			trues++
		}
	}
	return trues*100 >= w.densityPct*len(ring)
}

// perSlug computes {active, count} for every slug mentioned by this tick's
// events, over the currently known agents.
func (w *Watcher) perSlug(events []Transition) map[string]SlugActivity {
	touched := make(map[string]struct{})
	for _, ev := range events {
		if ev.Agent.Slug != "" {
			touched[ev.Agent.Slug] = struct{}{}
		}
	}

	out := make(map[string]SlugActivity, len(touched))
	for slug := range touched {
		var sa SlugActivity
		for pid, a := range w.agents {
			if a.Slug != slug {
				continue
			}
			sa.Count++
			if w.windowedActive(pid) {
				sa.Active++
			}
		}
		out[slug] = sa
	}
	return out
}

func (w *Watcher) summary() Summary {
	s := Summary{AgentCount: len(w.agents)}
	slugs := make(map[string]struct{})
	for pid, a := range w.agents {
		if !w.windowedActive(pid) {
			continue
		}
		s.ActiveCount++
		if a.Slug != "" {
			slugs[a.Slug] = struct{}{}
		}
	}
	s.ActiveProjects = make([]string, 0, len(slugs))
	for slug := range slugs {
		s.ActiveProjects = append(s.ActiveProjects, slug)
	}
	sort.Strings(s.ActiveProjects)
	return s
}
