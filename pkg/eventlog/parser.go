// Package eventlog reads and parses the append-only agent event log: an
// incremental tailer tracking a byte offset, and a line parser turning the
// pipe-delimited records into typed entries.
package eventlog

import (
	"regexp"
	"strings"
	"time"
)

// fieldDelimiter is the box-drawing pipe the agents frame log fields with,
// not the ASCII pipe.
const fieldDelimiter = "│"

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Entry is one parsed event-log line.
type Entry struct {
	// Timestamp is the parsed event instant in UTC.
	Timestamp time.Time
	// Project is the on-disk project directory name as logged. Slug
	// resolution happens downstream.
	Project string
	// Branch is the git branch if logged; "-" is normalized to empty.
	Branch string
	// Type is the tag derived from the body's marker glyph.
	Type EventType
	// Text is the body with escapes stripped.
	Text string
}

// ParseLine parses one raw log line. It returns false for lines that must be
// discarded: blank lines, lines with fewer than two fields, lines without a
// parseable timestamp, and lines without a project attribution.
func ParseLine(line string, now time.Time) (Entry, bool) {
	clean := strings.TrimSpace(ansiPattern.ReplaceAllString(line, ""))
	if clean == "" {
		return Entry{}, false
	}

	fields := strings.Split(clean, fieldDelimiter)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var entry Entry
	switch {
	case len(fields) >= 4:
		entry.Project = fields[1]
		entry.Branch = fields[2]
		entry.Text = strings.Join(fields[3:], " ")
	case len(fields) >= 2:
		entry.Text = strings.Join(fields[1:], " ")
	default:
		return Entry{}, false
	}

	ts, ok := parseTimestamp(fields[0], now)
	if !ok {
		return Entry{}, false
	}
	entry.Timestamp = ts

	if entry.Branch == "-" {
		entry.Branch = ""
	}
	if entry.Project == "" {
		return Entry{}, false
	}

	entry.Type = EventUnknown
	for _, m := range markers {
		if strings.Contains(entry.Text, m.glyph) {
			entry.Type = m.typ
			break
		}
	}
	return entry, true
}

// parseLines parses a chunk of raw bytes already split out of the log.
func parseLines(data string, now time.Time) []Entry {
	var entries []Entry
	for _, line := range strings.Split(data, "\n") {
		if entry, ok := ParseLine(line, now); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// timestampLayouts in most-specific-first order. The log writes 12-hour
// local times, optionally with a date and optionally with seconds.
var timestampLayouts = []string{
	"01/02 03:04:05 PM",
	"01/02 03:04 PM",
	"03:04:05 PM",
	"03:04 PM",
}

// parseTimestamp handles the log's timestamp forms. A trailing timezone
// abbreviation is dropped before parsing; times are interpreted in local
// time and returned in UTC. Year-less forms get now's year; date-less forms
// get now's date.
func parseTimestamp(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	raw = stripZoneAbbrev(raw)

	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, raw, now.Location())
		if err != nil {
			continue
		}
		var local time.Time
		if strings.Contains(layout, "01/02") {
			local = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
		} else {
			local = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
		}
		return local.UTC(), true
	}
	return time.Time{}, false
}

// stripZoneAbbrev drops a trailing all-caps token such as "PST" or "UTC".
// The AM/PM token is kept: it is always preceded by the time digits, so only
// a token after AM/PM qualifies.
func stripZoneAbbrev(raw string) string {
	i := strings.LastIndexByte(raw, ' ')
	if i < 0 {
		return raw
	}
	last := raw[i+1:]
	if last == "AM" || last == "PM" || len(last) < 2 || len(last) > 4 {
		return raw
	}
	for _, r := range last {
		if r < 'A' || r > 'Z' {
			return raw
		}
	}
	return strings.TrimSpace(raw[:i])
}
