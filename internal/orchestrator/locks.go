package orchestrator

import (
	"slices"
	"sync"
)

// hostLocks hands out per-host mutexes. Locks for several hosts are always
// taken in sorted order.
type hostLocks struct {
	mu    sync.Mutex
	locks map[string]*hostLock
}

type hostLock struct {
	sync.Mutex
	refs int
}

func newHostLocks() *hostLocks {
	return &hostLocks{locks: make(map[string]*hostLock)}
}

// lock acquires the locks of every given host and returns their release.
func (l *hostLocks) lock(hostIDs ...string) func() {
	ids := slices.Clone(hostIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]*hostLock, 0, len(ids))
	for _, id := range ids {
		l.mu.Lock()
		hl, ok := l.locks[id]
		if !ok {
			hl = &hostLock{}
			l.locks[id] = hl
		}
		hl.refs++
		l.mu.Unlock()

		hl.Lock()
		held = append(held, hl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		l.mu.Lock()
		for i, id := range ids {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, id)
			}
		}
		l.mu.Unlock()
	}
}
