package pool

import (
	"sort"
	"sync"

	"github.com/rickgao/pricefeed-pool/internal/protocol"
)

// registry holds the subscribe requests to replay when a link connects.
type registry struct {
	mu   sync.RWMutex
	subs map[int64]protocol.Request // subscription ID -> request
}

func newRegistry() *registry {
	return &registry{subs: make(map[int64]protocol.Request)}
}

// add stores req, replacing any request with the same subscription ID.
func (r *registry) add(req protocol.Request) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[req.SubscriptionID] = req
	return len(r.subs)
}

// remove deletes the request for id. Returns whether it existed.
func (r *registry) remove(id int64) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.subs[id]
	delete(r.subs, id)
	return ok, len(r.subs)
}

// snapshot returns the stored requests ordered by subscription ID.
func (r *registry) snapshot() []protocol.Request {
	r.mu.RLock()
	out := make([]protocol.Request, 0, len(r.subs))
	for _, req := range r.subs {
		out = append(out, req)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *registry) clear() {
	r.mu.Lock()
	r.subs = make(map[int64]protocol.Request)
	r.mu.Unlock()
}
