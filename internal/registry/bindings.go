package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/jmxscraper/pkg/remote"
)

// binding is a stub bound under a name, optionally leased.
type binding struct {
	stub      remote.Stub
	expiresAt time.Time // zero = permanent
}

func (b *binding) expired(now time.Time) bool {
	return !b.expiresAt.IsZero() && now.After(b.expiresAt)
}

// bindingTable is a thread-safe name-to-stub table. Leased entries expire
// unless renewed by binding again; a background loop evicts them.
type bindingTable struct {
	mu      sync.RWMutex
	entries map[string]*binding
}

func newBindingTable() *bindingTable {
	return &bindingTable{entries: make(map[string]*binding)}
}

func (t *bindingTable) get(name string) (remote.Stub, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.entries[name]
	if !ok || b.expired(time.Now()) {
		return remote.Stub{}, false
	}
	return b.stub, true
}

// set binds stub under name, replacing any previous binding. ttl 0 binds
// permanently.
func (t *bindingTable) set(name string, stub remote.Stub, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &binding{stub: stub}
	if ttl > 0 {
		b.expiresAt = time.Now().Add(ttl)
	}
	t.entries[name] = b
}

func (t *bindingTable) remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	delete(t.entries, name)
	return ok
}

// evict removes all expired leases.
func (t *bindingTable) evict() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	n := 0
	for k, b := range t.entries {
		if b.expired(now) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// names returns the live bound names in sorted order.
func (t *bindingTable) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	out := make([]string, 0, len(t.entries))
	for k, b := range t.entries {
		if !b.expired(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// leased returns the live leased bindings keyed by name. Permanent bindings
// are left out.
func (t *bindingTable) leased() map[string]remote.Stub {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	out := make(map[string]remote.Stub, len(t.entries))
	for k, b := range t.entries {
		if !b.expiresAt.IsZero() && !b.expired(now) {
			out[k] = b.stub
		}
	}
	return out
}

// len returns the number of entries (including expired).
func (t *bindingTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
