package eventlog

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"
)

// Tailer incrementally reads the event log, tracking a byte offset between
// polls. Truncation (file smaller than the offset) resets the offset to zero
// so a rotated log is re-read from the start. Failures leave the offset
// unchanged, so nothing is skipped or double-read across a transient error.
type Tailer struct {
	path   string
	offset int64
	logger *slog.Logger

	// now is swappable so parser defaults are deterministic in tests.
	now func() time.Time
}

// NewTailer creates a tailer for the given log path. The file need not exist
// yet; polls against a missing file return nothing.
func NewTailer(path string) *Tailer {
	return &Tailer{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Offset returns the current byte offset.
func (t *Tailer) Offset() int64 { return t.offset }

// ReadAll parses the entire log and leaves the offset at end-of-file.
func (t *Tailer) ReadAll() []Entry {
	t.offset = 0
	return t.Poll()
}

// Poll reads and parses only the bytes past the stored offset. The read is
// single-shot: one stat, one ReadAt, no re-stat mid-read.
func (t *Tailer) Poll() []Entry {
	f, err := os.Open(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("Event log open failed", "path", t.path, "error", err)
		}
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.logger.Warn("Event log stat failed", "path", t.path, "error", err)
		return nil
	}

	size := info.Size()
	if size < t.offset {
		t.logger.Info("Event log truncated, rereading from start",
			"path", t.path, "size", size, "offset", t.offset)
		t.offset = 0
	}
	if size == t.offset {
		return nil
	}

	buf := make([]byte, size-t.offset)
	n, err := f.ReadAt(buf, t.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		t.logger.Warn("Event log read failed", "path", t.path, "error", err)
		return nil
	}

	t.offset += int64(n)
	return parseLines(string(buf[:n]), t.now())
}
