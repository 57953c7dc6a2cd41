package namespace

import "sync"

// TenantLocks serializes cascades per tenant within one process. There is
// no cross-process lock; overlapping cascades from separate processes are
// the caller's responsibility.
type TenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

// NewTenantLocks creates an empty lock table.
func NewTenantLocks() *TenantLocks {
	return &TenantLocks{locks: make(map[string]*tenantLock)}
}

// Lock blocks until the tenant's lock is held and returns its release func.
func (t *TenantLocks) Lock(tenantID string) func() {
	t.mu.Lock()
	l, ok := t.locks[tenantID]
	if !ok {
		l = &tenantLock{}
		t.locks[tenantID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, tenantID)
		}
		t.mu.Unlock()
	}
}
