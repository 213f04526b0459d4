// Package gossip implements the message dissemination engine: message-ID
// generation, loop suppression via a seen-ID cache, TTL-gated forwarding,
// subscriber fan-out, and the pending-validation hold-queue that makes
// forwarding conditional on every local subscriber's positive acknowledgement.
package gossip

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/litnet/gossipmesh/pkg/boundedset"
	"github.com/litnet/gossipmesh/pkg/subscriber"
	"github.com/litnet/gossipmesh/pkg/telemetry"
	"github.com/litnet/gossipmesh/pkg/wire"
)

// Peer is the narrow view the engine needs of a fully validated mesh peer:
// enough to identify it (for origin exclusion) and forward to it.
type Peer interface {
	ID() uint64
	Send(msg wire.Message) error
}

// PeerSource supplies the current fan-out candidate set. Implemented by the
// mesh controller.
type PeerSource interface {
	FullyValidatedPeers() []Peer
}

// pendingEntry tracks one message-ID awaiting subscriber validation before
// a conditional forward. handle is the 16-bit value stamped on the
// GOSSIP_NOTIFICATION/GOSSIP_VALIDATION exchange — the wire protocol's
// local msg_id field is u16, distinct from the mesh-wide 64-bit message ID
// carried on PEER_ANNOUNCE, so the engine maintains the mapping between them
// for the lifetime of the pending entry.
type pendingEntry struct {
	handle   uint16
	ttl      uint8
	dataType uint16
	payload  []byte
	origin   Peer // nil for a locally originated message (never re-received, so never forwarded from here)
	awaiting map[uint64]struct{}
}

// Engine owns the seen-ID cache and the pending-validation table for one
// process instance.
type Engine struct {
	degree int
	seen   *boundedset.Set[uint64]
	subs   *subscriber.Registry
	peers  PeerSource

	mu         sync.Mutex
	pending    map[uint64]*pendingEntry
	byHandle   map[uint16]uint64
	nextHandle uint16

	metrics *telemetry.Metrics // optional; nil-safe methods, set via SetMetrics
}

// New constructs an Engine. cacheSize bounds the seen-ID cache (spec's
// cache_size); degree bounds fan-out.
func New(degree, cacheSize int, subs *subscriber.Registry, peers PeerSource) *Engine {
	return &Engine{
		degree:   degree,
		seen:     boundedset.New[uint64](cacheSize),
		subs:     subs,
		peers:    peers,
		pending:  make(map[uint64]*pendingEntry),
		byHandle: make(map[uint16]uint64),
	}
}

// SetMetrics wires a telemetry instrument set into the engine. Optional: an
// engine never given one simply records nothing.
func (e *Engine) SetMetrics(metrics *telemetry.Metrics) { e.metrics = metrics }

// Originate handles a local GOSSIP_ANNOUNCE from a subscriber: it mints a
// fresh message ID and forwards to up to degree fully validated peers.
func (e *Engine) Originate(ann *wire.GossipAnnounce) (msgID uint64, err error) {
	msgID, err = e.freshMessageID()
	if err != nil {
		return 0, err
	}
	peers := sample(e.peers.FullyValidatedPeers(), e.degree, nil)
	out := &wire.PeerAnnounce{MsgID: msgID, TTL: ann.TTL, DataType: ann.DataType, Payload: ann.Payload}
	for _, p := range peers {
		_ = p.Send(out)
	}
	return msgID, nil
}

// freshMessageID draws a random 64-bit ID, retrying until it is not already
// in the seen-ID cache, then inserts it.
func (e *Engine) freshMessageID() (uint64, error) {
	for {
		var buf [8]byte
		if _, err := crand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("gossip: generating message id: %w", err)
		}
		id := binary.BigEndian.Uint64(buf[:])
		if e.seen.Put(id) {
			return id, nil
		}
	}
}

// allocHandle returns a local handle not currently in use, for the caller
// to register in byHandle under e.mu. It never returns
// localHandleForDirectDeliver.
func (e *Engine) allocHandle() uint16 {
	for {
		h := e.nextHandle
		e.nextHandle++
		if h == localHandleForDirectDeliver {
			continue
		}
		if _, taken := e.byHandle[h]; !taken {
			return h
		}
	}
}

// ReceiveAnnounce handles a PEER_ANNOUNCE arriving from origin. It applies
// loop suppression, TTL semantics, and subscriber gating per the
// remote-receipt rules, registering a pending-validation entry when
// forwarding is conditional on subscriber acknowledgement.
func (e *Engine) ReceiveAnnounce(origin Peer, ann *wire.PeerAnnounce) {
	if !e.seen.Put(ann.MsgID) {
		return // already seen: drop silently, no duplicate delivery or forward
	}

	subs := e.subs.Subscribers(ann.DataType)

	if ann.TTL == 1 {
		notify(subs, localHandleForDirectDeliver, ann.DataType, ann.Payload)
		return
	}

	if len(subs) == 0 {
		return // no local consumer, no authority to re-emit
	}

	nextTTL := ann.TTL
	if nextTTL != 0 {
		nextTTL--
	}

	awaiting := make(map[uint64]struct{}, len(subs))
	for _, s := range subs {
		awaiting[s.ID()] = struct{}{}
	}

	e.mu.Lock()
	handle := e.allocHandle()
	e.byHandle[handle] = ann.MsgID
	e.pending[ann.MsgID] = &pendingEntry{
		handle:   handle,
		ttl:      nextTTL,
		dataType: ann.DataType,
		payload:  ann.Payload,
		origin:   origin,
		awaiting: awaiting,
	}
	e.mu.Unlock()

	notify(subs, handle, ann.DataType, ann.Payload)
}

// localHandleForDirectDeliver is used for ttl=1 deliveries, which never
// enter the pending table. allocHandle never gives this value to a pending
// entry, so a GOSSIP_VALIDATION a subscriber sends back for such a delivery
// finds no entry and is ignored.
const localHandleForDirectDeliver uint16 = 0

// ReceiveValidation handles a GOSSIP_VALIDATION referencing the local
// handle sub last received in a GOSSIP_NOTIFICATION.
func (e *Engine) ReceiveValidation(sub subscriber.Conn, v *wire.GossipValidation) {
	e.mu.Lock()
	msgID, ok := e.byHandle[v.MsgID]
	if !ok {
		e.mu.Unlock()
		return // unknown handle: ignored silently
	}
	entry, ok := e.pending[msgID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if !v.Valid {
		delete(e.pending, msgID)
		delete(e.byHandle, entry.handle)
		e.mu.Unlock()
		e.metrics.ValidationResolved(false)
		return // negative: drop entry, nothing forwarded
	}
	delete(entry.awaiting, sub.ID())
	empty := len(entry.awaiting) == 0
	if empty {
		delete(e.pending, msgID)
		delete(e.byHandle, entry.handle)
	}
	e.mu.Unlock()

	if !empty {
		return
	}

	e.metrics.ValidationResolved(true)

	peers := sample(e.peers.FullyValidatedPeers(), e.degree, entry.origin)
	out := &wire.PeerAnnounce{MsgID: msgID, TTL: entry.ttl, DataType: entry.dataType, Payload: entry.payload}
	for _, p := range peers {
		_ = p.Send(out)
		e.metrics.AnnounceForwarded()
	}
}

// notify delivers a notification to every subscriber in subs. A send
// failure is left to the subscriber's own API connection to handle (it owns
// tearing itself down and deregistering from the subscriber registry).
func notify(subs []subscriber.Conn, handle uint16, dataType uint16, payload []byte) {
	for _, s := range subs {
		_ = s.Notify(handle, dataType, payload)
	}
}

// sample chooses up to n peers uniformly at random from candidates,
// excluding exclude if non-nil. If fewer than n peers are available after
// exclusion, all of them are returned (no duplication).
func sample(candidates []Peer, n int, exclude Peer) []Peer {
	pool := make([]Peer, 0, len(candidates))
	for _, p := range candidates {
		if exclude != nil && p.ID() == exclude.ID() {
			continue
		}
		pool = append(pool, p)
	}
	if n >= len(pool) {
		return pool
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n]
}
