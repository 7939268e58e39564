package id

import (
	"crypto/rand"
	"encoding/hex"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Allocator hands out uint32 peer ids. Zero is reserved for the server
// and never returned. The zero Allocator is not ready to use; call
// NewAllocator.
type Allocator struct {
	mu    sync.Mutex
	next  uint32
	inUse map[uint32]struct{}
}

// NewAllocator returns an Allocator whose first id is 1.
func NewAllocator() *Allocator {
	return &Allocator{next: 1, inUse: make(map[uint32]struct{})}
}

// Next returns an id not currently held by anyone. It reports false only
// when every non-zero uint32 is in use.
func (a *Allocator) Next() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(len(a.inUse)) >= math.MaxUint32 {
		return 0, false
	}
	for {
		id := a.next
		a.next++
		if a.next == 0 {
			a.next = 1
		}
		if id == 0 {
			continue
		}
		if _, taken := a.inUse[id]; taken {
			continue
		}
		a.inUse[id] = struct{}{}
		return id, true
	}
}

// Release returns id to the pool. Releasing zero or an id that was never
// allocated does nothing.
func (a *Allocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, id)
}

// InUse returns the number of ids currently allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Token returns a UUID v4 string, suitable as a run or session handle in
// logs and admin surfaces.
func Token() string {
	return uuid.New().String()
}

// Short returns a 16-character random hex string for contexts where a
// full UUID is too noisy, such as per-connection log tags.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
