package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrAlreadyRunning is returned when another live exporter holds the PID file.
var ErrAlreadyRunning = errors.New("exporter already running")

// AcquirePIDFile claims the single-instance lock for this process. A PID file
// naming a live process other than the caller is left untouched and the claim
// fails; a stale or malformed file is overwritten.
func AcquirePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil && pid != os.Getpid() && Alive(pid) {
		return fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, pid, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile parses the ASCII integer stored in the PID file.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Alive reports whether pid names a live process.
func Alive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// RemovePIDFile deletes the PID file. A missing file is not an error; the
// close command and the daemon's own exit path can both race to remove it.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
