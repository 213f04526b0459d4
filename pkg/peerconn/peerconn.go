// Package peerconn drives one TCP peer connection through the handshake and
// lifetime state machine described by the peer protocol: PEER_INFO,
// PEER_CHALLENGE/PEER_VERIFICATION/PEER_VALIDATION for the PoW-gated
// handshake, and PEER_DISCOVERY/PEER_OFFER/PEER_ANNOUNCE for the steady
// state. Business decisions (which addresses to offer, which announcements
// to forward) belong to the caller; this package only enforces which
// messages are legal at each point and recovers PoW/protocol failures by
// closing the connection.
package peerconn

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/litnet/gossipmesh/pkg/netaddr"
	"github.com/litnet/gossipmesh/pkg/pow"
	"github.com/litnet/gossipmesh/pkg/telemetry"
	"github.com/litnet/gossipmesh/pkg/wire"
)

// ErrProtocolViolation is returned/closed-with when a peer sends a message
// disallowed for its current validation state, an expired or unmatched
// discovery challenge arrives, or an offer fails content validation.
var ErrProtocolViolation = errors.New("peerconn: protocol violation")

// ErrProofFailure is returned/closed-with when a PoW nonce is absent,
// invalid, or cannot be found within the effort bound.
var ErrProofFailure = errors.New("peerconn: proof of work failure")

// HandshakeChallengeTTL bounds how long an issued PEER_CHALLENGE remains
// acceptable to answer.
const HandshakeChallengeTTL = 300 * time.Second

// DiscoveryChallengeTTL bounds how long an issued PEER_DISCOVERY challenge
// remains acceptable to answer with a PEER_OFFER.
const DiscoveryChallengeTTL = 300 * time.Second

// maxOutstandingDiscoveries bounds the per-connection set of discovery
// challenges we are still waiting on an offer for.
const maxOutstandingDiscoveries = 16

// sendQueueDepth bounds the per-connection outbound queue; a peer that
// cannot keep up is disconnected rather than letting the queue grow
// unboundedly.
const sendQueueDepth = 64

// Direction records which side initiated the TCP connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State is the connection's position in the handshake lifecycle.
type State int

const (
	StateFresh State = iota
	StateInfoSent
	StateChallenged
	StateVerified
	StateValidated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "Fresh"
	case StateInfoSent:
		return "InfoSent"
	case StateChallenged:
		return "Challenged"
	case StateVerified:
		return "Verified"
	case StateValidated:
		return "Validated"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Callbacks is the narrow interface a Connection uses to escalate decisions
// that require knowledge the connection itself does not have: which peers
// exist elsewhere in the mesh, and what to do with a validated announce or
// offer. It is implemented by the mesh controller so that this package
// never imports it.
type Callbacks interface {
	// OnValidated is called exactly once, when both validated_them and
	// validated_us become true.
	OnValidated(c *Connection)
	// OnClosed is called exactly once when the connection is torn down,
	// for any reason including a clean peer-initiated close (err == nil).
	OnClosed(c *Connection, err error)
	// OnPeerDiscovery is called when the peer asks us for candidate
	// addresses; the callback is responsible for building and sending a
	// PEER_OFFER (including its own PoW) back on c.
	OnPeerDiscovery(c *Connection, challenge uint64)
	// OnPeerOffer is called with an offer that has already passed local
	// validation (challenge match, PoW, non-empty, doesn't include our own
	// address, every address parses).
	OnPeerOffer(c *Connection, offer *wire.PeerOffer)
	// OnPeerAnnounce is called with an announcement received from this
	// peer, once the connection is fully validated.
	OnPeerAnnounce(c *Connection, ann *wire.PeerAnnounce)
}

type outstandingChallenge struct {
	value  uint64
	expiry time.Time
}

type discoveryEntry struct {
	challenge uint64
	expiry    time.Time
}

var nextConnID uint64

// Connection owns one TCP socket to a peer and the state machine governing
// it. The zero value is not usable; construct with New.
type Connection struct {
	id        uint64
	conn      net.Conn
	direction Direction
	localAddr netaddr.Endpoint
	callbacks Callbacks
	readBuf   int

	mu                  sync.Mutex
	state               State
	validatedThem       bool
	validatedUs         bool
	p2pListenPort       *uint16
	peerChallenge       *outstandingChallenge // challenge we issued to the peer
	discoveryChallenges []discoveryEntry      // challenges we issued, awaiting offers
	lastDiscoverySent   time.Time

	sendCh    chan wire.Message
	closed    chan struct{}
	closeOnce sync.Once

	metrics *telemetry.Metrics // optional; nil-safe methods, set via SetMetrics
}

// SetMetrics wires a telemetry instrument set into the connection. Optional:
// a connection never given one simply records nothing. Must be called
// before Start.
func (c *Connection) SetMetrics(metrics *telemetry.Metrics) { c.metrics = metrics }

// New constructs a Connection over conn. Start must be called to begin
// processing. localAddr is this node's own p2p listening address, used to
// reject offers that advertise ourselves. readBufferSize <= 0 selects a
// sane default.
func New(conn net.Conn, direction Direction, localAddr netaddr.Endpoint, callbacks Callbacks, readBufferSize int) *Connection {
	if readBufferSize <= 0 {
		readBufferSize = 64 * 1024
	}
	return &Connection{
		id:            atomic.AddUint64(&nextConnID, 1),
		conn:          conn,
		direction:     direction,
		localAddr:     localAddr,
		callbacks:     callbacks,
		readBuf:       readBufferSize,
		state:         StateFresh,
		validatedThem: direction == Outbound, // we dialed them: no challenge needed from us
		validatedUs:   direction == Inbound,  // they dialed us: we assume they trust us
		sendCh:        make(chan wire.Message, sendQueueDepth),
		closed:        make(chan struct{}),
	}
}

// ID uniquely identifies this connection within the process.
func (c *Connection) ID() uint64 { return c.id }

// Direction reports which side initiated the connection.
func (c *Connection) Direction() Direction { return c.direction }

// RemoteAddr is the underlying socket's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// State returns the current handshake state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ValidatedThem reports whether we have validated the peer's PoW.
func (c *Connection) ValidatedThem() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validatedThem
}

// ValidatedUs reports whether the peer has validated our PoW.
func (c *Connection) ValidatedUs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validatedUs
}

// FullyValidated reports whether both validation flags are set — the
// precondition for using this connection for fan-out.
func (c *Connection) FullyValidated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validatedThem && c.validatedUs
}

// P2PListenPort returns the peer's advertised listening port, if learned.
func (c *Connection) P2PListenPort() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p2pListenPort == nil {
		return 0, false
	}
	return *c.p2pListenPort, true
}

// Start launches the reader and writer goroutines. For an outbound
// connection it immediately sends PEER_INFO.
func (c *Connection) Start(p2pListenPort uint16) {
	go c.writeLoop()
	if c.direction == Outbound {
		c.mu.Lock()
		c.state = StateInfoSent
		c.mu.Unlock()
		c.enqueue(&wire.PeerInfo{P2PListenPort: p2pListenPort})
	}
	go c.readLoop()
}

// Send enqueues msg for delivery on this connection's writer goroutine. It
// never blocks the caller beyond the queue depth; a full queue indicates a
// peer that cannot keep up and the connection is closed.
func (c *Connection) Send(msg wire.Message) error {
	select {
	case <-c.closed:
		return fmt.Errorf("peerconn: connection %d closed", c.id)
	default:
	}
	return c.enqueue(msg)
}

func (c *Connection) enqueue(msg wire.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.closed:
		return fmt.Errorf("peerconn: connection %d closed", c.id)
	default:
		c.Close(fmt.Errorf("peerconn: send queue full"))
		return fmt.Errorf("peerconn: send queue full, closing connection %d", c.id)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			if _, err := c.conn.Write(msg.Encode()); err != nil {
				c.Close(fmt.Errorf("peerconn: write: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.Close(fmt.Errorf("peerconn: panic while handling connection: %v", r))
		}
	}()
	rd := bufio.NewReaderSize(c.conn, c.readBuf)
	for {
		buf, err := wire.ReadFrame(rd)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Close(nil)
			} else {
				c.Close(err)
			}
			return
		}
		msg, err := wire.Parse(buf)
		if err != nil {
			c.metrics.FrameRejected()
			telemetry.DebugFrame("peerconn", buf, err)
			c.Close(err)
			return
		}
		c.metrics.FrameParsed()
		if err := c.dispatch(msg); err != nil {
			c.Close(err)
			return
		}
	}
}

// Close tears the connection down exactly once, closing the socket and
// notifying callbacks. Safe to call multiple times and from any goroutine.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		close(c.closed)
		c.conn.Close()
		if reason != nil {
			logf("peerconn: connection %d (%s) closed: %v", c.id, c.direction, reason)
		} else {
			logf("peerconn: connection %d (%s) closed", c.id, c.direction)
		}
		c.callbacks.OnClosed(c, reason)
	})
}

// allowed reports whether typ may legally be received given the current
// validation flags.
func (c *Connection) allowed(typ wire.Type) bool {
	c.mu.Lock()
	validatedThem, validatedUs := c.validatedThem, c.validatedUs
	c.mu.Unlock()

	if !validatedThem {
		return typ == wire.TypePeerInfo || typ == wire.TypePeerVerification
	}
	if !validatedUs {
		return typ == wire.TypePeerChallenge || typ == wire.TypePeerValidation
	}
	return true
}

func (c *Connection) dispatch(msg wire.Message) error {
	typ := msg.Type()
	if !typ.IsPeerMessage() {
		return fmt.Errorf("%w: non-peer message %v on peer connection", ErrProtocolViolation, typ)
	}
	if !c.allowed(typ) {
		return fmt.Errorf("%w: %v disallowed in current validation state", ErrProtocolViolation, typ)
	}

	switch m := msg.(type) {
	case *wire.PeerInfo:
		return c.handlePeerInfo(m)
	case *wire.PeerChallenge:
		return c.handlePeerChallenge(m)
	case *wire.PeerVerification:
		return c.handlePeerVerification(m)
	case *wire.PeerValidation:
		return c.handlePeerValidation(m)
	case *wire.PeerDiscovery:
		return c.handlePeerDiscovery(m)
	case *wire.PeerOffer:
		return c.handlePeerOffer(m)
	case *wire.PeerAnnounce:
		c.callbacks.OnPeerAnnounce(c, m)
		return nil
	default:
		return fmt.Errorf("%w: unhandled message %v", ErrProtocolViolation, typ)
	}
}

func (c *Connection) handlePeerInfo(m *wire.PeerInfo) error {
	c.mu.Lock()
	port := m.P2PListenPort
	c.p2pListenPort = &port
	shouldChallenge := c.state == StateFresh
	if shouldChallenge {
		c.state = StateChallenged
	}
	c.mu.Unlock()

	if !shouldChallenge {
		return nil
	}
	challenge, err := randomUint64()
	if err != nil {
		return fmt.Errorf("peerconn: generating challenge: %w", err)
	}
	c.mu.Lock()
	c.peerChallenge = &outstandingChallenge{value: challenge, expiry: time.Now().Add(HandshakeChallengeTTL)}
	c.mu.Unlock()
	return c.enqueue(&wire.PeerChallenge{Challenge: challenge})
}

func (c *Connection) handlePeerChallenge(m *wire.PeerChallenge) error {
	nonce, err := pow.SolveChallenge(context.Background(), m.Challenge, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofFailure, err)
	}
	c.mu.Lock()
	c.state = StateVerified
	c.mu.Unlock()
	return c.enqueue(&wire.PeerVerification{Nonce: nonce})
}

func (c *Connection) handlePeerVerification(m *wire.PeerVerification) error {
	c.mu.Lock()
	oc := c.peerChallenge
	c.mu.Unlock()
	if oc == nil {
		return fmt.Errorf("%w: PEER_VERIFICATION with no outstanding challenge", ErrProtocolViolation)
	}

	valid := time.Now().Before(oc.expiry) && pow.VerifyChallenge(oc.value, m.Nonce)
	if !valid {
		c.enqueue(&wire.PeerValidation{Valid: false})
		return fmt.Errorf("%w: invalid or expired handshake verification", ErrProofFailure)
	}

	c.mu.Lock()
	c.validatedThem = true
	c.peerChallenge = nil
	c.state = StateValidated
	both := c.validatedThem && c.validatedUs
	c.mu.Unlock()

	logf("peerconn: connection %d (%s) validated peer handshake", c.id, c.direction)
	if err := c.enqueue(&wire.PeerValidation{Valid: true}); err != nil {
		return err
	}
	if both {
		logf("peerconn: connection %d (%s) fully validated", c.id, c.direction)
		c.callbacks.OnValidated(c)
	}
	return nil
}

func (c *Connection) handlePeerValidation(m *wire.PeerValidation) error {
	if !m.Valid {
		return fmt.Errorf("%w: peer reported validation failure", ErrProofFailure)
	}
	c.mu.Lock()
	c.validatedUs = true
	c.state = StateValidated
	both := c.validatedThem && c.validatedUs
	c.mu.Unlock()
	logf("peerconn: connection %d (%s) validated by peer", c.id, c.direction)
	if both {
		logf("peerconn: connection %d (%s) fully validated", c.id, c.direction)
		c.callbacks.OnValidated(c)
	}
	return nil
}

// EnsureHandshakeChallenge is called by the mesh's periodic challenge loop
// for every connection still in the unverified set. It is idempotent: if a
// challenge is already outstanding and unexpired it does nothing. If the
// outstanding challenge has expired it reports expired=true so the caller
// can close the connection. If no challenge is outstanding yet (the peer
// has not sent PEER_INFO), it issues one now rather than waiting.
func (c *Connection) EnsureHandshakeChallenge() (expired bool) {
	c.mu.Lock()
	oc := c.peerChallenge
	validatedThem := c.validatedThem
	c.mu.Unlock()

	if validatedThem {
		return false
	}
	if oc != nil {
		return !time.Now().Before(oc.expiry)
	}

	challenge, err := randomUint64()
	if err != nil {
		return false
	}
	c.mu.Lock()
	if c.peerChallenge != nil || c.validatedThem {
		c.mu.Unlock()
		return false
	}
	c.peerChallenge = &outstandingChallenge{value: challenge, expiry: time.Now().Add(HandshakeChallengeTTL)}
	if c.state == StateFresh || c.state == StateInfoSent {
		c.state = StateChallenged
	}
	c.mu.Unlock()
	c.enqueue(&wire.PeerChallenge{Challenge: challenge})
	return false
}

// SendDiscovery issues a fresh PEER_DISCOVERY challenge to the peer and
// records it as outstanding, evicting the oldest recorded challenge if the
// bookkeeping set is full.
func (c *Connection) SendDiscovery() error {
	challenge, err := randomUint64()
	if err != nil {
		return fmt.Errorf("peerconn: generating discovery challenge: %w", err)
	}
	c.mu.Lock()
	c.discoveryChallenges = append(c.discoveryChallenges, discoveryEntry{
		challenge: challenge,
		expiry:    time.Now().Add(DiscoveryChallengeTTL),
	})
	if len(c.discoveryChallenges) > maxOutstandingDiscoveries {
		c.discoveryChallenges = c.discoveryChallenges[1:]
	}
	c.lastDiscoverySent = time.Now()
	c.mu.Unlock()
	return c.enqueue(&wire.PeerDiscovery{Challenge: challenge})
}

// LastDiscoverySent reports when SendDiscovery was last called.
func (c *Connection) LastDiscoverySent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastDiscoverySent
}

func (c *Connection) takeDiscoveryChallenge(challenge uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.discoveryChallenges {
		if e.challenge == challenge {
			c.discoveryChallenges = append(c.discoveryChallenges[:i], c.discoveryChallenges[i+1:]...)
			return time.Now().Before(e.expiry)
		}
	}
	return false
}

func (c *Connection) handlePeerDiscovery(m *wire.PeerDiscovery) error {
	c.callbacks.OnPeerDiscovery(c, m.Challenge)
	return nil
}

func (c *Connection) handlePeerOffer(m *wire.PeerOffer) error {
	if !c.takeDiscoveryChallenge(m.Challenge) {
		return fmt.Errorf("%w: PEER_OFFER with no matching outstanding discovery", ErrProtocolViolation)
	}
	if !pow.VerifyOffer(m.Encode()) {
		return fmt.Errorf("%w: offer PoW invalid", ErrProofFailure)
	}
	if len(m.Addresses) == 0 {
		return fmt.Errorf("%w: empty PEER_OFFER", ErrProtocolViolation)
	}
	for _, a := range m.Addresses {
		ep, err := netaddr.Parse(a)
		if err != nil {
			return fmt.Errorf("%w: PEER_OFFER address %q: %v", ErrProtocolViolation, a, err)
		}
		if ep.Equal(c.localAddr) {
			return fmt.Errorf("%w: PEER_OFFER contains our own address", ErrProtocolViolation)
		}
	}
	c.callbacks.OnPeerOffer(c, m)
	return nil
}

func randomUint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// logf is a small seam so peerconn's own diagnostic logging can later be
// swapped for the daemon's structured logger without touching call sites.
var logf = log.Printf
