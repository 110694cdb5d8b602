package core

import (
	"time"
	"unicode/utf8"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// truncatedMarker is appended to log lines cut at the message size cap.
const truncatedMarker = "...(truncated)"

// LogBuffer collects the console lines of one run, in issue order. It is
// only written from the goroutine driving the guest.
type LogBuffer struct {
	entries    []LogEntry
	maxEntries int
	maxSize    int
	dropped    int
	last       string
	logged     bool
}

// NewLogBuffer returns a buffer capped at maxEntries lines of at most
// maxSize bytes each. Non-positive caps fall back to the package defaults.
func NewLogBuffer(maxEntries, maxSize int) *LogBuffer {
	if maxEntries <= 0 {
		maxEntries = MaxLogEntries
	}
	if maxSize <= 0 {
		maxSize = MaxLogMessageSize
	}
	return &LogBuffer{maxEntries: maxEntries, maxSize: maxSize}
}

// Add appends a line. Lines past the entry cap are counted and dropped, but
// still become the last line.
func (b *LogBuffer) Add(level, message string) {
	message = b.truncate(message)
	b.last, b.logged = message, true
	if len(b.entries) >= b.maxEntries {
		b.dropped++
		return
	}
	b.entries = append(b.entries, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// Entries returns a copy of the captured lines.
func (b *LogBuffer) Entries() []LogEntry {
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Lines returns the captured messages without level or timestamp.
func (b *LogBuffer) Lines() []string {
	out := make([]string, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Message
	}
	return out
}

// Last returns the most recent line logged, including one dropped at the
// entry cap.
func (b *LogBuffer) Last() (string, bool) { return b.last, b.logged }

// truncate cuts message to the size cap on a rune boundary.
func (b *LogBuffer) truncate(message string) string {
	if len(message) <= b.maxSize {
		return message
	}
	cut := b.maxSize
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + truncatedMarker
}

// Len returns the number of captured lines.
func (b *LogBuffer) Len() int { return len(b.entries) }

// Dropped returns how many lines were discarded at the entry cap.
func (b *LogBuffer) Dropped() int { return b.dropped }
