package util

import "sync"

// IntAllocator hands out the lowest free integer in [min, max]. Only
// allocated values are stored, so wide ranges such as 32-bit link handles
// cost nothing up front.
type IntAllocator struct {
	min, max int
	used     map[int]struct{}
	mu       sync.Mutex
}

// NewIntAllocator creates a new integer allocator
func NewIntAllocator(min, max int) *IntAllocator {
	return &IntAllocator{
		min:  min,
		max:  max,
		used: make(map[int]struct{}),
	}
}

// Allocate allocates the lowest free integer
func (a *IntAllocator) Allocate() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.min; i <= a.max; i++ {
		if _, taken := a.used[i]; !taken {
			a.used[i] = struct{}{}
			return i, true
		}
	}
	return 0, false
}

// Free releases an integer back to the pool
func (a *IntAllocator) Free(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.used[i]; !taken {
		return false
	}
	delete(a.used, i)
	return true
}

// Allocated returns the number of integers in use
func (a *IntAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.used)
}
