package quality

import "time"

const defaultHistorySize = 100

// Change records one accepted level transition.
type Change struct {
	At     time.Time `json:"timestamp"`
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	Reason string    `json:"reason"`
}

// History keeps the most recent level changes in memory. It is not
// persisted.
type History struct {
	size    int
	changes []Change
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{size: size}
}

func (h *History) Add(c Change) {
	h.changes = append(h.changes, c)
	if len(h.changes) > h.size {
		h.changes = append([]Change(nil), h.changes[len(h.changes)-h.size:]...)
	}
}

// Recent returns up to limit changes, oldest first. A non-positive limit
// returns everything kept.
func (h *History) Recent(limit int) []Change {
	n := len(h.changes)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Change, limit)
	copy(out, h.changes[n-limit:])
	return out
}

func (h *History) Len() int {
	return len(h.changes)
}
