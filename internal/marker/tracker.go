package marker

import "sync"

// ClickTracker remembers which points already had their full locality
// requested.
type ClickTracker struct {
	mu      sync.Mutex
	fetched map[int]struct{}
}

func NewClickTracker() *ClickTracker {
	return &ClickTracker{fetched: map[int]struct{}{}}
}

// Fire reports true only the first time index is seen.
func (t *ClickTracker) Fire(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.fetched[index]; ok {
		return false
	}
	t.fetched[index] = struct{}{}
	return true
}
