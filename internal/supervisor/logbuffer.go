package supervisor

import (
	"sync"
	"time"
)

// LogLine is a single line of captured sidecar output.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
}

// LogBuffer is a thread-safe ring buffer holding the last N lines of sidecar
// output. The sidecar writes logs to its pipes; nothing else persists them,
// so this buffer is the only window the admin API has into the child.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogLine
	max     int
}

// NewLogBuffer creates a buffer retaining up to max lines.
func NewLogBuffer(max int) *LogBuffer {
	return &LogBuffer{entries: make([]LogLine, 0, max), max: max}
}

// Write appends a line, evicting the oldest when full.
func (lb *LogBuffer) Write(stream, line string) {
	lb.mu.Lock()
	if len(lb.entries) >= lb.max {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogLine{
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Line:      line,
	})
	lb.mu.Unlock()
}

// Recent returns the last n lines, oldest first.
func (lb *LogBuffer) Recent(n int) []LogLine {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]LogLine, n)
	copy(out, lb.entries[total-n:])
	return out
}
