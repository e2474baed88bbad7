package stick

import (
	"math/rand"
	"sync"
)

// ReplayEntry pairs the features that drove a frame with the output the
// blend actually realized.
type ReplayEntry struct {
	Features FeatureVector
	Target   Vec6
}

// ReplayRing is the fixed-capacity FIFO buffer feeding continual
// adaptation. The hot path pushes one entry per frame under a mutex held
// only for the slot write; the learner holds the same mutex only long
// enough to copy a batch out, so the hot path never waits on training
// math.
type ReplayRing struct {
	mu      sync.Mutex
	entries []ReplayEntry
	next    int
	filled  int
}

// NewReplayRing creates a ring with the given fixed capacity.
func NewReplayRing(capacity int) *ReplayRing {
	if capacity < 1 {
		capacity = 1
	}
	return &ReplayRing{entries: make([]ReplayEntry, capacity)}
}

// Push stores one entry, overwriting the oldest once full.
func (r *ReplayRing) Push(e ReplayEntry) {
	r.mu.Lock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.filled < len(r.entries) {
		r.filled++
	}
	r.mu.Unlock()
}

// Len returns the number of stored entries.
func (r *ReplayRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}

// Cap returns the fixed capacity.
func (r *ReplayRing) Cap() int {
	return len(r.entries)
}

// SampleBatch copies up to len(dst) uniformly sampled entries into dst and
// returns how many were copied. Sampling is with replacement; an empty
// ring yields zero.
func (r *ReplayRing) SampleBatch(dst []ReplayEntry, rng *rand.Rand) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == 0 || len(dst) == 0 {
		return 0
	}
	n := len(dst)
	for i := 0; i < n; i++ {
		dst[i] = r.entries[rng.Intn(r.filled)]
	}
	return n
}

// Snapshot copies the current contents oldest-first, for diagnostics.
func (r *ReplayRing) Snapshot() []ReplayEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReplayEntry, r.filled)
	if r.filled < len(r.entries) {
		copy(out, r.entries[:r.filled])
		return out
	}
	// full ring: oldest entry sits at next
	n := copy(out, r.entries[r.next:])
	copy(out[n:], r.entries[:r.next])
	return out
}

// Reset drops all entries.
func (r *ReplayRing) Reset() {
	r.mu.Lock()
	r.next = 0
	r.filled = 0
	r.mu.Unlock()
}
