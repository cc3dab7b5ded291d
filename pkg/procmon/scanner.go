// Package procmon discovers running agent processes and debounces their raw
// CPU activity into stable lifecycle transitions.
package procmon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
)

// SlugResolver maps a project directory name to its canonical slug.
type SlugResolver interface {
	Slug(dir string) string
}

// Agent is one observed agent process.
type Agent struct {
	PID       int32
	Dir       string // project directory under the organization root, "" when outside
	Slug      string
	RawActive bool
}

// Scanner snapshots the process table for agent processes. Process handles
// are cached across snapshots so CPU readings cover the interval since the
// previous snapshot rather than the whole process lifetime.
type Scanner struct {
	processName   string
	inhibitorName string
	projectsRoot  string
	resolver      SlugResolver
	logger        *slog.Logger

	procs map[int32]*process.Process
}

// NewScanner creates a process scanner for the named agent binary.
func NewScanner(cfg *config.Config, resolver SlugResolver) *Scanner {
	return &Scanner{
		processName:   cfg.AgentProcess,
		inhibitorName: cfg.InhibitorProcess,
		projectsRoot:  cfg.ProjectsRoot,
		resolver:      resolver,
		logger:        slog.Default(),
		procs:         make(map[int32]*process.Process),
	}
}

// Snapshot returns the current agent processes sorted by PID. A process is
// raw-active when its CPU share since the last snapshot exceeds the threshold
// or it has spawned the wake-inhibitor child.
func (s *Scanner) Snapshot(ctx context.Context) ([]Agent, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	live := make(map[int32]struct{}, len(pids))
	var agents []Agent
	for _, pid := range pids {
		live[pid] = struct{}{}

		proc, cached := s.procs[pid]
		if !cached {
			p, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				continue // exited between listing and inspection
			}
			name, err := p.NameWithContext(ctx)
			if err != nil || name != s.processName {
				continue
			}
			s.procs[pid] = p
			proc = p
		}

		agents = append(agents, s.inspect(ctx, proc))
	}

	for pid := range s.procs {
		if _, ok := live[pid]; !ok {
			delete(s.procs, pid)
		}
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].PID < agents[j].PID })
	return agents, nil
}

func (s *Scanner) inspect(ctx context.Context, proc *process.Process) Agent {
	a := Agent{PID: proc.Pid}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil && cpu > config.CPUActiveThreshold {
		a.RawActive = true
	}
	if !a.RawActive {
		a.RawActive = s.hasInhibitorChild(ctx, proc)
	}

	if cwd, err := proc.CwdWithContext(ctx); err == nil {
		a.Dir = projectDirOf(cwd, s.projectsRoot)
	}
	if a.Dir != "" {
		a.Slug = s.resolver.Slug(a.Dir)
	}
	return a
}

func (s *Scanner) hasInhibitorChild(ctx context.Context, proc *process.Process) bool {
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return false
	}
	for _, child := range children {
		if name, err := child.NameWithContext(ctx); err == nil && name == s.inhibitorName {
			return true
		}
	}
	return false
}

// projectDirOf extracts the first path element of cwd below the organization
// root, or "" when cwd is outside it.
func projectDirOf(cwd, root string) string {
	rel, err := filepath.Rel(root, cwd)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		return rel[:i]
	}
	return rel
}
