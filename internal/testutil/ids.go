package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable reference ids for tests.
//
// The n-th id is "00000000-0000-7000-8000-" followed by n as twelve decimal
// digits, a well-formed UUIDv7 string. Ids sort in generation order, and
// Reset makes the same scenario produce the same ids again.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu  sync.Mutex
	seq int64
}

// NewSequentialIDs creates a generator whose first id ends in 1.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return ID(g.seq)
}

// Current returns how many ids have been generated.
func (g *SequentialIDs) Current() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset starts the sequence over.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}

// ID returns the n-th id of a SequentialIDs sequence.
func ID(n int64) string {
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", n)
}
