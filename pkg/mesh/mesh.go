// Package mesh implements the peer mesh controller: the unverified, push,
// and pull peer sets, the discovery and handshake-challenge background
// loops, and the glue between inbound/outbound TCP connections and the
// dissemination engine. It implements peerconn.Callbacks (per-connection
// state machine decisions) and gossip.PeerSource (fan-out candidate
// selection) so that neither of those packages needs to import this one.
package mesh

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/litnet/gossipmesh/pkg/config"
	"github.com/litnet/gossipmesh/pkg/gossip"
	"github.com/litnet/gossipmesh/pkg/netaddr"
	"github.com/litnet/gossipmesh/pkg/peerconn"
	"github.com/litnet/gossipmesh/pkg/pow"
	"github.com/litnet/gossipmesh/pkg/ratelimit"
	"github.com/litnet/gossipmesh/pkg/subscriber"
	"github.com/litnet/gossipmesh/pkg/telemetry"
	"github.com/litnet/gossipmesh/pkg/wire"
)

// DialTimeout bounds a single outbound connect attempt.
const DialTimeout = 5 * time.Second

// connectRetryBackoff is the pause before the single retry connectOutbound
// makes on a failed dial, before giving up on that candidate.
const connectRetryBackoff = 200 * time.Millisecond

// Bootstrapper resolves the well-known fallback peer address attempted when
// no known_peers endpoint could be reached. A deliberately thin, named
// interface: address discovery itself is an external collaborator's
// concern. Implemented by pkg/bootstrap.
type Bootstrapper interface {
	Discover(ctx context.Context) (string, error)
}

// peerSet is a FIFO-ordered, capacity-bounded collection of connections,
// keyed by connection ID. The ordering and eviction idiom mirrors a
// bounded LRU cache: oldest member evicted first when addEvicting overflows.
type peerSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[uint64]*list.Element
}

func newPeerSet(capacity int) *peerSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &peerSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[uint64]*list.Element),
	}
}

// addEvicting inserts c unconditionally, evicting and returning the oldest
// member if the set is now over capacity. Used for the unverified set,
// where an inbound flood should displace stale handshakes rather than be
// rejected outright.
func (s *peerSet) addEvicting(c *peerconn.Connection) (evicted *peerconn.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[c.ID()]; ok {
		return nil
	}
	el := s.order.PushBack(c)
	s.index[c.ID()] = el
	if s.order.Len() > s.capacity {
		front := s.order.Front()
		evicted = front.Value.(*peerconn.Connection)
		s.order.Remove(front)
		delete(s.index, evicted.ID())
	}
	return evicted
}

// addIfRoom inserts c only if the set has spare capacity, reporting whether
// it was admitted. Used for the push and pull sets, where a full set should
// reject a new member rather than evict a working peer.
func (s *peerSet) addIfRoom(c *peerconn.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[c.ID()]; ok {
		return true
	}
	if s.order.Len() >= s.capacity {
		return false
	}
	el := s.order.PushBack(c)
	s.index[c.ID()] = el
	return true
}

func (s *peerSet) remove(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[id]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.index, id)
	return true
}

func (s *peerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *peerSet) snapshot() []*peerconn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peerconn.Connection, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*peerconn.Connection))
	}
	return out
}

// Mesh owns the three peer sets and drives their population via inbound
// accepts, outbound dials, and the discovery/challenge background loops.
type Mesh struct {
	settings  *config.Settings
	localAddr netaddr.Endpoint
	engine    *gossip.Engine
	subs      *subscriber.Registry
	bootstrap Bootstrapper

	u  *peerSet // unverified, capacity = CacheSize
	ps *peerSet // push (inbound-originated), capacity = MaxPush
	pu *peerSet // pull (outbound-originated), capacity = MaxPull

	addrsMu  sync.Mutex
	addrs    map[string]uint64 // known dial-target address -> holding connection ID
	connAddr map[uint64]string // holding connection ID -> its known address, for cleanup on close

	acceptLimiter    *ratelimit.IPRateLimiter // guards the accept loop against a flooding source IP
	discoveryLimiter *ratelimit.IPRateLimiter // guards SendDiscovery against excessive per-peer issuance

	metrics *telemetry.Metrics // optional; nil-safe methods, set via SetMetrics

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Mesh. subs and the returned Mesh's gossip engine should
// be wired together by the caller (the Mesh is the engine's PeerSource).
func New(settings *config.Settings, localAddr netaddr.Endpoint, subs *subscriber.Registry, bootstrap Bootstrapper) *Mesh {
	m := &Mesh{
		settings:         settings,
		localAddr:        localAddr,
		subs:             subs,
		bootstrap:        bootstrap,
		u:                newPeerSet(settings.CacheSize),
		ps:               newPeerSet(settings.MaxPush()),
		pu:               newPeerSet(settings.MaxPull()),
		addrs:            make(map[string]uint64),
		connAddr:         make(map[uint64]string),
		acceptLimiter:    ratelimit.NewAcceptLimiter(settings.CacheSize),
		discoveryLimiter: ratelimit.NewDiscoveryLimiter(settings.CacheSize),
	}
	m.engine = gossip.New(settings.Degree, settings.CacheSize, subs, m)
	return m
}

// Engine returns the dissemination engine wired to this mesh, for the API
// layer to hand local GOSSIP_ANNOUNCE/GOSSIP_VALIDATION traffic to.
func (m *Mesh) Engine() *gossip.Engine { return m.engine }

// Subscribers returns the subscriber registry the API layer registers
// GOSSIP_NOTIFY interest against.
func (m *Mesh) Subscribers() *subscriber.Registry { return m.subs }

// SetMetrics wires a telemetry instrument set into the mesh. Optional: a
// mesh never given one simply records nothing (Metrics' methods are
// nil-safe). Must be called before Start.
func (m *Mesh) SetMetrics(metrics *telemetry.Metrics) { m.metrics = metrics }

// counts reads the three set sizes under the prescribed lock ordering
// (U, then PU, then PS), matching the acquisition order used wherever an
// operation must reason about more than one set at once.
func (m *Mesh) counts() (uLen, psLen, puLen int) {
	m.u.mu.Lock()
	uLen = m.u.order.Len()
	m.pu.mu.Lock()
	puLen = m.pu.order.Len()
	m.ps.mu.Lock()
	psLen = m.ps.order.Len()
	m.ps.mu.Unlock()
	m.pu.mu.Unlock()
	m.u.mu.Unlock()
	return
}

// Start runs the startup sequence: connect to known_peers, fall back to the
// bootstrapper if the pull set is still empty, then open the p2p listener
// and launch the background loops. It returns once the listener is up; the
// loops and accept loop continue running until Stop is called.
func (m *Mesh) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, addr := range m.settings.KnownPeers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := m.connectOutbound(addr); err != nil {
				log.Printf("mesh: known peer %s: %v", addr, err)
			}
		}(addr)
	}
	wg.Wait()

	if m.pu.len() == 0 && m.bootstrap != nil {
		addr, err := m.bootstrap.Discover(m.ctx)
		if err != nil {
			log.Printf("mesh: bootstrap discovery failed: %v", err)
		} else if err := m.connectOutbound(addr); err != nil {
			log.Printf("mesh: bootstrap peer %s: %v", addr, err)
		}
	}

	ln, err := net.Listen("tcp", m.localAddr.String())
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", m.localAddr, err)
	}
	m.listener = ln

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(ln)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.discoveryLoop()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.challengeLoop()
	}()

	log.Printf("mesh: listening on %s", m.localAddr)
	return nil
}

// Stop tears down the listener and background loops and waits for them to
// exit.
func (m *Mesh) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	if m.listener != nil {
		m.listener.Close()
	}
	m.wg.Wait()
}

func (m *Mesh) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
				log.Printf("mesh: accept: %v", err)
				continue
			}
		}
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil && !m.acceptLimiter.Allow(host) {
			conn.Close()
			continue
		}
		pc := peerconn.New(conn, peerconn.Inbound, m.localAddr, m, m.settings.ReadBufferSize)
		pc.SetMetrics(m.metrics)
		if evicted := m.u.addEvicting(pc); evicted != nil {
			m.metrics.PeerEvicted("unverified")
			evicted.Close(fmt.Errorf("mesh: evicted from unverified set (capacity %d)", m.settings.CacheSize))
		}
		m.metrics.PeerAdmitted("unverified")
		pc.Start(m.localAddr.Port)
	}
}

// connectOutbound dials addr and, on success, admits the resulting
// connection directly to the pull set: an outbound connection is a pull
// peer from the moment it is dialed, independent of handshake completion.
// It is used both for known_peers at startup and for peer-offer candidates.
func (m *Mesh) connectOutbound(addr string) error {
	ep, err := netaddr.Parse(addr)
	if err != nil {
		return fmt.Errorf("mesh: parse %q: %w", addr, err)
	}
	if ep.Equal(m.localAddr) {
		return fmt.Errorf("mesh: refusing to dial our own address")
	}

	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(m.ctx, "tcp", ep.String())
	if err != nil {
		// One immediate retry after a short backoff: a candidate that
		// refused or timed out once is still worth a second attempt before
		// being abandoned for the next candidate.
		select {
		case <-time.After(connectRetryBackoff):
		case <-m.ctx.Done():
			return fmt.Errorf("mesh: dial %s: %w", addr, err)
		}
		conn, err = dialer.DialContext(m.ctx, "tcp", ep.String())
		if err != nil {
			return fmt.Errorf("mesh: dial %s (after retry): %w", addr, err)
		}
	}

	pc := peerconn.New(conn, peerconn.Outbound, m.localAddr, m, m.settings.ReadBufferSize)
	pc.SetMetrics(m.metrics)
	if !m.pu.addIfRoom(pc) {
		pc.Close(fmt.Errorf("mesh: pull set full"))
		return fmt.Errorf("mesh: pull set full, refusing outbound connection to %s", addr)
	}
	m.metrics.PeerAdmitted("pull")
	m.markKnown(pc.ID(), ep)
	pc.Start(m.localAddr.Port)
	return nil
}

// markKnown records addr as belonging to connID, replacing any address
// previously recorded for that connection.
func (m *Mesh) markKnown(connID uint64, ep netaddr.Endpoint) {
	addr := ep.String()
	m.addrsMu.Lock()
	if old, ok := m.connAddr[connID]; ok {
		delete(m.addrs, old)
	}
	m.addrs[addr] = connID
	m.connAddr[connID] = addr
	m.addrsMu.Unlock()
}

// unmarkKnown clears whatever address was last recorded for connID. Safe
// to call unconditionally on close, even if no address was ever recorded.
func (m *Mesh) unmarkKnown(connID uint64) {
	m.addrsMu.Lock()
	if addr, ok := m.connAddr[connID]; ok {
		delete(m.addrs, addr)
		delete(m.connAddr, connID)
	}
	m.addrsMu.Unlock()
}

func (m *Mesh) isKnown(ep netaddr.Endpoint) bool {
	m.addrsMu.Lock()
	defer m.addrsMu.Unlock()
	_, ok := m.addrs[ep.String()]
	return ok
}

// ----- peerconn.Callbacks -----

// OnValidated moves a connection out of the unverified set into the push
// set (inbound-originated) or pull set (outbound-originated), closing it if
// the destination set has no room.
func (m *Mesh) OnValidated(c *peerconn.Connection) {
	m.u.remove(c.ID())
	m.metrics.HandshakeSucceeded()

	var dest *peerSet
	var label string
	if c.Direction() == peerconn.Inbound {
		dest, label = m.ps, "push"
	} else {
		dest, label = m.pu, "pull"
	}

	if !dest.addIfRoom(c) {
		c.Close(fmt.Errorf("mesh: %s set full", label))
		return
	}
	m.metrics.PeerAdmitted(label)
	slog.Debug("mesh: peer validated", "peer_id", c.ID(), "set", label)
	if ep, ok := remoteEndpoint(c); ok {
		m.markKnown(c.ID(), ep)
	}
}

// OnClosed removes the connection from whichever set currently holds it.
func (m *Mesh) OnClosed(c *peerconn.Connection, err error) {
	switch {
	case m.u.remove(c.ID()):
		if err != nil {
			m.metrics.HandshakeFailed()
		}
	case m.ps.remove(c.ID()):
		m.metrics.PeerEvicted("push")
	case m.pu.remove(c.ID()):
		m.metrics.PeerEvicted("pull")
	}
	m.unmarkKnown(c.ID())
}

// OnPeerDiscovery answers a PEER_DISCOVERY with up to Degree candidate
// addresses drawn from the push and pull sets, PoW-sealed per the
// offer difficulty.
func (m *Mesh) OnPeerDiscovery(c *peerconn.Connection, challenge uint64) {
	candidates := m.discoveryCandidates(c.ID())
	if len(candidates) == 0 {
		return
	}
	offer := &wire.PeerOffer{Challenge: challenge, Addresses: candidates}
	packet := offer.Encode()
	nonce, err := pow.SolveOffer(m.ctx, packet, wire.SetPeerOfferNonce, 0)
	if err != nil {
		log.Printf("mesh: could not solve offer PoW: %v", err)
		return
	}
	offer.Nonce = nonce
	if err := c.Send(offer); err != nil {
		log.Printf("mesh: sending offer: %v", err)
	}
}

func (m *Mesh) discoveryCandidates(excludeID uint64) []string {
	peers := append(m.ps.snapshot(), m.pu.snapshot()...)
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.ID() == excludeID {
			continue
		}
		if ep, ok := remoteEndpoint(p); ok {
			addrs = append(addrs, ep.String())
			continue
		}
		// An outbound (pull) connection never receives PEER_INFO, so its
		// address is the one recorded when it was dialed.
		m.addrsMu.Lock()
		addr, ok := m.connAddr[p.ID()]
		m.addrsMu.Unlock()
		if ok {
			addrs = append(addrs, addr)
		}
	}
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	if len(addrs) > m.settings.Degree {
		addrs = addrs[:m.settings.Degree]
	}
	return addrs
}

// OnPeerOffer dials every offered address not already known to the mesh,
// up to the pull set's remaining room. Each candidate gets one
// connectOutbound call, which itself retries a failed dial once before
// giving up on that candidate.
func (m *Mesh) OnPeerOffer(c *peerconn.Connection, offer *wire.PeerOffer) {
	candidates := make([]string, 0, len(offer.Addresses))
	for _, a := range offer.Addresses {
		ep, err := netaddr.Parse(a)
		if err != nil || ep.Equal(m.localAddr) || m.isKnown(ep) {
			continue
		}
		candidates = append(candidates, a)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	for _, addr := range candidates {
		if m.pu.len() >= m.settings.MaxPull() {
			return
		}
		if err := m.connectOutbound(addr); err != nil {
			log.Printf("mesh: offer candidate %s: %v", addr, err)
		}
	}
}

// OnPeerAnnounce hands a received announcement to the dissemination engine.
func (m *Mesh) OnPeerAnnounce(c *peerconn.Connection, ann *wire.PeerAnnounce) {
	m.engine.ReceiveAnnounce(c, ann)
}

// ----- gossip.PeerSource -----

// FullyValidatedPeers returns every fully validated push and pull peer as a
// gossip.Peer. Pull peers join the pull set when dialed, before their
// handshake completes, so members of either set are filtered on
// FullyValidated. *peerconn.Connection already satisfies gossip.Peer
// structurally (ID, Send), so no adapter type is needed.
func (m *Mesh) FullyValidatedPeers() []gossip.Peer {
	push := m.ps.snapshot()
	pull := m.pu.snapshot()
	out := make([]gossip.Peer, 0, len(push)+len(pull))
	for _, c := range push {
		if c.FullyValidated() {
			out = append(out, c)
		}
	}
	for _, c := range pull {
		if c.FullyValidated() {
			out = append(out, c)
		}
	}
	return out
}

// ----- background loops -----

func (m *Mesh) discoveryLoop() {
	ticker := time.NewTicker(secondsToDuration(m.settings.SearchCooldownSec))
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.maybeTriggerDiscovery()
		}
	}
}

// maybeTriggerDiscovery asks every fully validated peer for fresh
// candidates when the pull set has room and connectivity is below the
// configured minimum.
func (m *Mesh) maybeTriggerDiscovery() {
	_, psLen, puLen := m.counts()
	maxPull := m.settings.MaxPull()
	if puLen >= maxPull {
		return
	}
	halfMin := (m.settings.MinConnections + 1) / 2
	if !(psLen+puLen < m.settings.MinConnections || puLen < halfMin) {
		return
	}
	for _, p := range m.FullyValidatedPeers() {
		pc, ok := p.(*peerconn.Connection)
		if !ok {
			continue
		}
		key := strconv.FormatUint(pc.ID(), 10)
		if !m.discoveryLimiter.Allow(key) {
			continue
		}
		if err := pc.SendDiscovery(); err != nil {
			log.Printf("mesh: discovery to %d: %v", pc.ID(), err)
		}
	}
}

func (m *Mesh) challengeLoop() {
	ticker := time.NewTicker(secondsToDuration(m.settings.ChallengeCooldownSec))
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepChallenges()
		}
	}
}

// sweepChallenges is idempotent: it only issues a challenge for a
// connection that does not already have one outstanding, and only closes a
// connection whose outstanding challenge has actually expired.
func (m *Mesh) sweepChallenges() {
	for _, c := range m.u.snapshot() {
		if c.EnsureHandshakeChallenge() {
			c.Close(fmt.Errorf("mesh: handshake challenge expired"))
		}
	}
}

// secondsToDuration converts a settings cooldown (seconds, as a float so
// sub-second cooldowns are expressible) to a time.Duration.
func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// remoteEndpoint derives the peer's advertised p2p address from its socket
// remote IP and its self-reported listen port. Returns false until the
// listen port has been learned (i.e. before PEER_INFO arrives).
func remoteEndpoint(c *peerconn.Connection) (netaddr.Endpoint, bool) {
	port, ok := c.P2PListenPort()
	if !ok {
		return netaddr.Endpoint{}, false
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return netaddr.Endpoint{}, false
	}
	return netaddr.Endpoint{Host: host, Port: port}, true
}
