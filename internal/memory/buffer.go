package memory

import "sync"

const (
	DefaultWorkingMemoryCap = 20
	DefaultEvictionBatch    = 5
)

// WorkingMemory is a bounded FIFO of recently processed experiences.
// When a push takes it past its capacity the oldest batch entries are
// dropped together.
type WorkingMemory struct {
	mu      sync.Mutex
	cap     int
	batch   int
	entries []ProcessedExperience
	evicted int
}

// NewWorkingMemory creates a buffer. Non-positive arguments use the defaults.
func NewWorkingMemory(capacity, batch int) *WorkingMemory {
	if capacity <= 0 {
		capacity = DefaultWorkingMemoryCap
	}
	if batch <= 0 {
		batch = DefaultEvictionBatch
	}
	if batch > capacity+1 {
		batch = capacity + 1
	}
	return &WorkingMemory{cap: capacity, batch: batch}
}

// Push appends p and evicts the oldest batch if the buffer overflowed.
// It returns the number of entries evicted.
func (w *WorkingMemory) Push(p ProcessedExperience) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, p)
	if len(w.entries) <= w.cap {
		return 0
	}
	n := w.batch
	if n > len(w.entries) {
		n = len(w.entries)
	}
	kept := make([]ProcessedExperience, len(w.entries)-n, w.cap+1)
	copy(kept, w.entries[n:])
	w.entries = kept
	w.evicted += n
	return n
}

// Len returns the number of buffered experiences.
func (w *WorkingMemory) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Evicted returns how many experiences have been dropped so far.
func (w *WorkingMemory) Evicted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evicted
}

// Snapshot returns the buffered experiences, oldest first.
func (w *WorkingMemory) Snapshot() []ProcessedExperience {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ProcessedExperience, len(w.entries))
	copy(out, w.entries)
	return out
}
