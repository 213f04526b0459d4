// Package subscriber maintains the mapping from announcement data-type to
// the set of local API connections interested in it. Delivering
// notifications to them is done by the dissemination engine.
package subscriber

import "sync"

// Conn is the narrow view the dissemination engine needs of a local API
// connection: enough to deliver a notification and to be torn down. It is
// implemented by the API connection type that owns the actual socket.
type Conn interface {
	// Notify delivers a GOSSIP_NOTIFICATION-shaped payload to the subscriber.
	Notify(msgID uint16, dataType uint16, payload []byte) error
	// ID distinguishes this connection from others for registry bookkeeping.
	ID() uint64
}

// Registry maps data-type to the set of API connections subscribed to it.
// Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	subs map[uint16]map[uint64]Conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{subs: make(map[uint16]map[uint64]Conn)}
}

// Add registers c as interested in dataType. Idempotent: adding the same
// connection to the same data-type twice is a no-op.
func (r *Registry) Add(dataType uint16, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[dataType]
	if !ok {
		set = make(map[uint64]Conn)
		r.subs[dataType] = set
	}
	set[c.ID()] = c
}

// Remove unregisters c from dataType. Idempotent: removing an absent
// subscription is a no-op.
func (r *Registry) Remove(dataType uint16, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[dataType]
	if !ok {
		return
	}
	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.subs, dataType)
	}
}

// RemoveAll unregisters c from every data-type. Called on API connection
// destruction (malformed frame or close).
func (r *Registry) RemoveAll(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := c.ID()
	for dataType, set := range r.subs {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.subs, dataType)
			}
		}
	}
}

// Subscribers returns a snapshot of the connections currently subscribed to
// dataType. The returned slice is safe to iterate without holding the
// registry's lock.
func (r *Registry) Subscribers(dataType uint16) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.subs[dataType]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
