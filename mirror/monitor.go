package mirror

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Monitor: reentrant object lock keyed by thread id
// ---------------------------------------------------------------------------

// Monitor is the lock behind monitor-enter/monitor-exit and synchronized
// methods. Owners are thread ids; zero means unowned.
type Monitor struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner uint64
	count int
}

// NewMonitor returns an unowned monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enter acquires the monitor for owner, blocking while another thread holds
// it. Re-entry by the current owner bumps the recursion count.
func (m *Monitor) Enter(owner uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.owner != 0 && m.owner != owner {
		m.cond.Wait()
	}
	m.owner = owner
	m.count++
}

// TryEnter acquires the monitor only if it is free or already held by owner.
func (m *Monitor) TryEnter(owner uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != 0 && m.owner != owner {
		return false
	}
	m.owner = owner
	m.count++
	return true
}

// Exit releases one level of ownership. It reports false, changing nothing,
// when owner does not hold the monitor.
func (m *Monitor) Exit(owner uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != owner || m.count == 0 {
		return false
	}
	m.count--
	if m.count == 0 {
		m.owner = 0
		m.cond.Signal()
	}
	return true
}

// Owner returns the holding thread id, or zero.
func (m *Monitor) Owner() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Count returns the recursion depth.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
