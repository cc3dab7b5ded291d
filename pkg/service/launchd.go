// Package service wraps the launchd interactions the gate commands need:
// keeping the LaunchAgents symlink pointed at the shipped plist and loading
// or unloading the agent through launchctl.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// runner executes one command and returns its combined output. Split out so
// tests can fake launchctl.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Manager drives launchctl and the agent symlink.
type Manager struct {
	run runner
}

// NewManager returns a manager backed by the real launchctl binary.
func NewManager() *Manager {
	return &Manager{run: execRunner}
}

// Installed reports whether linkPath is a symlink resolving to target.
func (m *Manager) Installed(linkPath, target string) bool {
	resolved, err := os.Readlink(linkPath)
	return err == nil && resolved == target
}

// Link points linkPath at target, replacing a stale link or stray file.
func (m *Manager) Link(target, linkPath string) error {
	if m.Installed(linkPath, target) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("create launch agents directory: %w", err)
	}
	if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: %w", linkPath, err)
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("link agent plist: %w", err)
	}
	return nil
}

// Loaded reports whether launchd currently lists the label. Any launchctl
// failure reads as not loaded; the caller's load attempt surfaces the real
// problem.
func (m *Manager) Loaded(ctx context.Context, label string) bool {
	out, err := m.run(ctx, "launchctl", "list")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[len(fields)-1] == label {
			return true
		}
	}
	return false
}

// Load loads the agent plist. An already-loaded agent is not an error.
func (m *Manager) Load(ctx context.Context, plist string) error {
	out, err := m.run(ctx, "launchctl", "load", plist)
	if err != nil && !strings.Contains(out, "already loaded") {
		return fmt.Errorf("launchctl load: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// Unload unloads the agent plist. A service launchd has never heard of is
// already in the desired state.
func (m *Manager) Unload(ctx context.Context, plist string) error {
	out, err := m.run(ctx, "launchctl", "unload", plist)
	if err != nil && !strings.Contains(out, "Could not find specified service") {
		return fmt.Errorf("launchctl unload: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// Label derives the launchd label from a plist filename.
func Label(plistName string) string {
	return strings.TrimSuffix(plistName, ".plist")
}
