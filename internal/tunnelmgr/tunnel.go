package tunnelmgr

import (
	"sync"

	"github.com/coinstash/tunnelmux/internal/tunnelid"
)

// Tunnel is a shared, refcounted handle returned by CreateTunnel and
// CreateReverseTunnel. Repeat requests for the same descriptor return
// the same *Tunnel (both by tunnel id and, in this implementation, by
// pointer) with an incremented refcount.
type Tunnel struct {
	mgr        *Manager
	id         tunnelid.ID
	descriptor TunnelDescriptor

	mu       sync.Mutex
	refcount int
	closed   bool
}

// ID returns the tunnel's wire identity.
func (t *Tunnel) ID() tunnelid.ID { return t.id }

// Descriptor returns the tunnel's identity tuple.
func (t *Tunnel) Descriptor() TunnelDescriptor { return t.descriptor }

// Refcount returns the current reference count. Intended for tests and
// diagnostics, not for synchronizing Close calls against.
func (t *Tunnel) Refcount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refcount
}

func (t *Tunnel) incref() {
	t.mu.Lock()
	t.refcount++
	t.mu.Unlock()
}

// Close decrements the tunnel's refcount. Once it reaches zero the
// tunnel is torn down: the manager removes it from its dedup cache,
// notifies the peer with closeProxy, and closes every connection still
// open on it. Calling Close more times than the tunnel was referenced
// is a safe no-op.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.refcount--
	if t.refcount > 0 {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.mgr.teardownTunnel(t)
}
