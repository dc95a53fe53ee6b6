package amqp

import "sync"

// idAllocator hands out channel ids from [1, max], always the lowest one not
// in use. An id comes back only through release.
type idAllocator struct {
	mu   sync.Mutex
	max  uint16
	used map[uint16]struct{}
}

func newIDAllocator(max uint16) *idAllocator {
	return &idAllocator{max: max, used: map[uint16]struct{}{}}
}

// allocate returns the lowest free id, or false once all of them are taken.
func (a *idAllocator) allocate() (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.used) >= int(a.max) {
		return 0, false
	}
	for id := uint16(1); id <= a.max; id++ {
		if _, taken := a.used[id]; !taken {
			a.used[id] = struct{}{}
			return id, true
		}
		if id == a.max {
			break
		}
	}
	return 0, false
}

// release returns id to the pool. It reports false if id was not allocated.
func (a *idAllocator) release(id uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.used[id]; !taken {
		return false
	}
	delete(a.used, id)
	return true
}

func (a *idAllocator) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
