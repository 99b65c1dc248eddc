package parley

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Handle is the write side of the live peer connection.
type Handle interface {
	// Send passes sealed payload for delivery to the peer. It must not block.
	Send(payload []byte) error

	// Close tells the handle no more payloads will be sent.
	Close()
}

// SendResult is the outcome of passing the payload to one peer.
type SendResult struct {
	Address string
	Err     error
}

// Registry tracks live peer connections by peer address.
// Handles are sent to and closed only under the registry lock, after Close the handle is no longer reachable.
type Registry struct {
	mu      sync.Mutex
	closed  bool
	handles map[string]Handle
}

// NewRegistry creates empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: map[string]Handle{},
	}
}

// Register stores handle for the address. Live handle stored for the same address earlier is closed.
// Handle registered after Close is closed immediately.
func (r *Registry) Register(ctx context.Context, addr string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		h.Close()
		return
	}

	if prev, exists := r.handles[addr]; exists {
		logger.Get(ctx).Warn("Replacing live peer connection", zap.String("peer", addr))
		prev.Close()
	}

	r.handles[addr] = h
}

// Unregister removes and closes the handle if it is still the one registered for the address.
// It returns true if the handle has been removed.
func (r *Registry) Unregister(addr string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.handles[addr]; exists && current == h {
		delete(r.handles, addr)
		h.Close()
		return true
	}
	return false
}

// Broadcast passes payload to all the registered peers.
// Failure of one peer does not stop delivery to the others, it is reported in the result for that peer.
func (r *Registry) Broadcast(payload []byte) []SendResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]SendResult, 0, len(r.handles))
	for addr, h := range r.handles {
		results = append(results, SendResult{
			Address: addr,
			Err:     h.Send(payload),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Address < results[j].Address
	})
	return results
}

// Snapshot returns sorted addresses of registered peers.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]string, 0, len(r.handles))
	for addr := range r.handles {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Close closes and removes all the handles.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for addr, h := range r.handles {
		h.Close()
		delete(r.handles, addr)
	}
}
