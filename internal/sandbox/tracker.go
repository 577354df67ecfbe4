package sandbox

import (
	"fmt"
	"sort"
	"sync"
)

// Tracker accounts for the resources backing live execution contexts:
// process groups, pipes and scratch directories. Every acquired resource is
// released before Run returns, so Live is zero whenever no stage is
// running.
type Tracker struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]string
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[uint64]string)}
}

// Acquire records a live resource and returns the function releasing it.
// Calling release more than once is harmless.
func (t *Tracker) Acquire(kind, name string) (release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	t.live[id] = fmt.Sprintf("%s %s", kind, name)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.live, id)
		})
	}
}

// Live returns the number of resources currently held.
func (t *Tracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Resources describes the resources currently held, sorted.
func (t *Tracker) Resources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]string, 0, len(t.live))
	for _, r := range t.live {
		res = append(res, r)
	}
	sort.Strings(res)
	return res
}
