package processmgr

import "sync"

// LogManager holds one LogBuffer per feed id.
// Buffers outlive encoder restarts so the diagnostic history of a feed spans
// every process it ran.
type LogManager struct {
	mu   sync.RWMutex          // guards bufs
	bufs map[string]*LogBuffer // feed id → log buffer
}

// NewLogManager initializes an empty log-buffer registry.
func NewLogManager() *LogManager {
	return &LogManager{
		bufs: make(map[string]*LogBuffer),
	}
}

// Get returns the log buffer for id, creating it if missing.
func (lm *LogManager) Get(id string) *LogBuffer {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if buf, ok := lm.bufs[id]; ok {
		return buf
	}

	buf := new(LogBuffer)
	lm.bufs[id] = buf
	return buf
}

// Read returns up to lines entries for id (newest → oldest).
// ok is false when no encoder has ever run for id.
func (lm *LogManager) Read(id string, lines int) (entries []string, ok bool) {
	lm.mu.RLock()
	buf, ok := lm.bufs[id]
	lm.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return buf.Read(lines), true
}

// Delete forgets the buffer for id (the feed was removed).
func (lm *LogManager) Delete(id string) {
	lm.mu.Lock()
	delete(lm.bufs, id)
	lm.mu.Unlock()
}
