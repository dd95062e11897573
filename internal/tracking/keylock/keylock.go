package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 64

// Striped serializes work per key without a single process-wide lock. Keys
// hashing to the same stripe share a mutex.
type Striped struct {
	stripes []sync.Mutex
}

// New constructs a Striped lock with n stripes (64 when n <= 0).
func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its release func.
func (s *Striped) Lock(key string) func() {
	mu := &s.stripes[Index(key, len(s.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Index maps key to a shard in [0, n).
func Index(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
