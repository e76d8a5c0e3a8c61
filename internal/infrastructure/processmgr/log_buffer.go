package processmgr

import "sync"

// LogBufferSize is the number of diagnostic lines retained per feed.
const LogBufferSize = 500

// LogBuffer is a thread-safe circular buffer for log entries with O(1) append and O(N) read
type LogBuffer struct {
	entries [LogBufferSize]string // Fixed-size circular buffer (no heap allocations)
	head    int                   // Next write position
	size    int                   // Current number of entries
	mu      sync.RWMutex          // Protects all fields
}

// Append adds a log entry (overwrites oldest if full)
func (b *LogBuffer) Append(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % LogBufferSize
	if b.size < LogBufferSize {
		b.size++
	}
}

// Read returns last N entries (newest → oldest) in a new slice.
//
// Semantics:
//   - If lines <= 0: returns everything available
//   - If lines > LogBufferSize: clamped
func (b *LogBuffer) Read(lines int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	if lines <= 0 || lines > b.size {
		lines = b.size
	}

	result := make([]string, lines)
	newest := (b.head - 1 + LogBufferSize) % LogBufferSize
	for i := range result {
		result[i] = b.entries[(newest-i+LogBufferSize)%LogBufferSize]
	}
	return result
}

// Len returns the number of retained entries.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
