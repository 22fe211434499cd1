package logging

import (
	"sync"
	"time"
)

// Entry is one captured log entry.
type Entry struct {
	ID        uint64                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Recent keeps the last N log entries in memory so operators can pull
// them over the admin API without grepping files. Entries are held in
// a fixed ring; the oldest fall off as new ones arrive.
type Recent struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  uint64
	max     int
}

// DefaultRecentSize is the default capacity of a Recent buffer.
const DefaultRecentSize = 1000

// NewRecent creates a buffer holding up to max entries.
func NewRecent(max int) *Recent {
	if max <= 0 {
		max = DefaultRecentSize
	}
	return &Recent{max: max}
}

// add appends a captured entry, evicting the oldest at capacity.
func (r *Recent) add(level Level, msg, requestID string, raw map[string]interface{}) {
	fields := make(map[string]interface{})
	for k, v := range raw {
		if k == "ts" || k == "level" || k == "msg" || k == "request_id" {
			continue
		}
		fields[k] = v
	}
	if len(fields) == 0 {
		fields = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.entries = append(r.entries, Entry{
		ID:        r.nextID,
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		RequestID: requestID,
		Fields:    fields,
	})
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

// Entries returns up to limit entries at or above the minimum level,
// newest last. limit <= 0 returns everything retained.
func (r *Recent) Entries(minLevel Level, limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if ParseLevel(e.Level) < minLevel {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of retained entries.
func (r *Recent) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Clear drops all retained entries.
func (r *Recent) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = nil
}
