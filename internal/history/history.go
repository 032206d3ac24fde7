// Package history keeps the bounded record of recent recognitions and the
// per-identity statistics of the last processed frame.
package history

import (
	"sync"

	"github.com/andresmejia3/faceid/internal/matcher"
)

// DefaultCapacity is the number of recognitions kept before the oldest is evicted.
const DefaultCapacity = 100

// IdentityStats summarises one identity within a single frame.
type IdentityStats struct {
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Stats maps identity to its statistics for the last processed frame.
type Stats map[string]IdentityStats

// History is a FIFO ring of known recognitions plus the latest frame stats.
// It is safe for one writer and many readers.
type History struct {
	mu    sync.RWMutex
	buf   []matcher.Result
	start int // index of the oldest entry
	size  int
	stats Stats
}

// New creates a history holding at most capacity entries. A capacity below 1
// falls back to DefaultCapacity.
func New(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &History{
		buf:   make([]matcher.Result, capacity),
		stats: Stats{},
	}
}

// Record ingests the results of one processed frame. Unknown faces are
// dropped; the returned stats are computed from this frame alone and replace
// whatever the previous frame produced.
func (h *History) Record(results []matcher.Result) Stats {
	stats := Stats{}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range results {
		if !r.Known() {
			continue
		}
		h.push(r)

		s := stats[r.Label]
		s.Count++
		s.AvgConfidence = (s.AvgConfidence*float64(s.Count-1) + r.Similarity) / float64(s.Count)
		stats[r.Label] = s
	}

	h.stats = stats
	return stats.clone()
}

func (h *History) push(r matcher.Result) {
	capacity := len(h.buf)
	if h.size < capacity {
		h.buf[(h.start+h.size)%capacity] = r
		h.size++
		return
	}
	// Full: overwrite the oldest slot and advance.
	h.buf[h.start] = r
	h.start = (h.start + 1) % capacity
}

// Entries returns every recorded recognition, oldest first.
func (h *History) Entries() []matcher.Result {
	return h.Recent(0)
}

// Recent returns up to n of the newest recognitions, oldest first. n <= 0 returns all.
func (h *History) Recent(n int) []matcher.Result {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]matcher.Result, n)
	capacity := len(h.buf)
	first := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+first+i)%capacity]
	}
	return out
}

// Stats returns a copy of the latest per-frame statistics.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats.clone()
}

// Len returns the number of stored recognitions.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the maximum number of stored recognitions.
func (h *History) Cap() int {
	return len(h.buf)
}

func (s Stats) clone() Stats {
	out := make(Stats, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
