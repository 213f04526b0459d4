package gossip

import (
	"sync"
	"testing"

	"github.com/litnet/gossipmesh/pkg/subscriber"
	"github.com/litnet/gossipmesh/pkg/wire"
)

type fakePeer struct {
	id   uint64
	mu   sync.Mutex
	sent []wire.Message
}

func (p *fakePeer) ID() uint64 { return p.id }

func (p *fakePeer) Send(msg wire.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePeer) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakePeerSource struct {
	peers []Peer
}

func (s *fakePeerSource) FullyValidatedPeers() []Peer { return s.peers }

type fakeSub struct {
	id        uint64
	mu        sync.Mutex
	notified  []notification
}

type notification struct {
	handle   uint16
	dataType uint16
	payload  []byte
}

func (s *fakeSub) Notify(handle uint16, dataType uint16, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, notification{handle, dataType, payload})
	return nil
}

func (s *fakeSub) ID() uint64 { return s.id }

func (s *fakeSub) lastHandle() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notified[len(s.notified)-1].handle
}

func TestOriginateSendsToUpToDegreePeers(t *testing.T) {
	t.Parallel()
	peers := []Peer{&fakePeer{id: 1}, &fakePeer{id: 2}, &fakePeer{id: 3}, &fakePeer{id: 4}}
	src := &fakePeerSource{peers: peers}
	subs := subscriber.New()
	eng := New(2, 16, subs, src)

	msgID, err := eng.Originate(&wire.GossipAnnounce{TTL: 3, DataType: 7, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if msgID == 0 {
		t.Fatal("expected non-zero message id (astronomically unlikely to be 0)")
	}

	count := 0
	for _, p := range peers {
		count += p.(*fakePeer).sentCount()
	}
	if count != 2 {
		t.Fatalf("total sends = %d, want 2 (degree)", count)
	}
}

func TestOriginateSendsToAllWhenFewerThanDegree(t *testing.T) {
	t.Parallel()
	peers := []Peer{&fakePeer{id: 1}}
	src := &fakePeerSource{peers: peers}
	subs := subscriber.New()
	eng := New(5, 16, subs, src)

	eng.Originate(&wire.GossipAnnounce{TTL: 3, DataType: 7, Payload: []byte("x")})

	if peers[0].(*fakePeer).sentCount() != 1 {
		t.Fatal("the single available peer should receive the announce")
	}
}

func TestReceiveAnnounceTTLOneDeliversWithoutForward(t *testing.T) {
	t.Parallel()
	peers := []Peer{&fakePeer{id: 1}}
	src := &fakePeerSource{peers: peers}
	subs := subscriber.New()
	sub := &fakeSub{id: 100}
	subs.Add(7, sub)
	eng := New(3, 16, subs, src)

	origin := &fakePeer{id: 99}
	eng.ReceiveAnnounce(origin, &wire.PeerAnnounce{MsgID: 42, TTL: 1, DataType: 7, Payload: []byte("hi")})

	if len(sub.notified) != 1 {
		t.Fatalf("subscriber should have been notified once, got %d", len(sub.notified))
	}
	if peers[0].(*fakePeer).sentCount() != 0 {
		t.Fatal("ttl=1 must never forward")
	}
}

func TestReceiveAnnounceDuplicateIsDropped(t *testing.T) {
	t.Parallel()
	subs := subscriber.New()
	sub := &fakeSub{id: 1}
	subs.Add(7, sub)
	eng := New(3, 16, subs, &fakePeerSource{})

	origin := &fakePeer{id: 99}
	ann := &wire.PeerAnnounce{MsgID: 42, TTL: 1, DataType: 7, Payload: []byte("hi")}
	eng.ReceiveAnnounce(origin, ann)
	eng.ReceiveAnnounce(origin, ann)

	if len(sub.notified) != 1 {
		t.Fatalf("duplicate msg_id should be delivered exactly once, got %d", len(sub.notified))
	}
}

func TestReceiveAnnounceNoSubscribersDropsSilently(t *testing.T) {
	t.Parallel()
	peers := []Peer{&fakePeer{id: 1}}
	subs := subscriber.New() // nobody subscribed to type 7
	eng := New(3, 16, subs, &fakePeerSource{peers: peers})

	eng.ReceiveAnnounce(&fakePeer{id: 99}, &wire.PeerAnnounce{MsgID: 1, TTL: 5, DataType: 7, Payload: []byte("x")})

	if peers[0].(*fakePeer).sentCount() != 0 {
		t.Fatal("no subscribers means no forward")
	}
}

func TestPositiveValidationForwardsExcludingOrigin(t *testing.T) {
	t.Parallel()
	origin := &fakePeer{id: 99}
	others := []Peer{&fakePeer{id: 1}, &fakePeer{id: 2}, &fakePeer{id: 3}}
	allPeers := append([]Peer{origin}, others...)
	src := &fakePeerSource{peers: allPeers}

	subs := subscriber.New()
	sub := &fakeSub{id: 1000}
	subs.Add(7, sub)
	eng := New(10, 16, subs, src)

	eng.ReceiveAnnounce(origin, &wire.PeerAnnounce{MsgID: 55, TTL: 5, DataType: 7, Payload: []byte("x")})
	handle := sub.lastHandle()

	eng.ReceiveValidation(sub, &wire.GossipValidation{MsgID: handle, Valid: true})

	if origin.sentCount() != 0 {
		t.Fatal("origin must never receive its own forward")
	}
	for _, p := range others {
		if p.(*fakePeer).sentCount() != 1 {
			t.Fatalf("peer %d should have received exactly one forward", p.ID())
		}
	}
}

func TestNegativeValidationDropsAndNeverForwards(t *testing.T) {
	t.Parallel()
	origin := &fakePeer{id: 99}
	others := []Peer{&fakePeer{id: 1}}
	src := &fakePeerSource{peers: append([]Peer{origin}, others...)}

	subs := subscriber.New()
	sub := &fakeSub{id: 1000}
	subs.Add(7, sub)
	eng := New(10, 16, subs, src)

	eng.ReceiveAnnounce(origin, &wire.PeerAnnounce{MsgID: 55, TTL: 5, DataType: 7, Payload: []byte("x")})
	handle := sub.lastHandle()

	eng.ReceiveValidation(sub, &wire.GossipValidation{MsgID: handle, Valid: false})

	if others[0].(*fakePeer).sentCount() != 0 {
		t.Fatal("negative validation must never forward")
	}

	// A late positive for the same (now-removed) handle should be ignored.
	eng.ReceiveValidation(sub, &wire.GossipValidation{MsgID: handle, Valid: true})
	if others[0].(*fakePeer).sentCount() != 0 {
		t.Fatal("validation for a removed entry should be ignored")
	}
}

func TestValidationForUnknownHandleIsIgnored(t *testing.T) {
	t.Parallel()
	subs := subscriber.New()
	sub := &fakeSub{id: 1}
	eng := New(3, 16, subs, &fakePeerSource{})

	eng.ReceiveValidation(sub, &wire.GossipValidation{MsgID: 9999, Valid: true})
	// no panic, no-op
}

func TestForwardWaitsForAllSubscribers(t *testing.T) {
	t.Parallel()
	origin := &fakePeer{id: 99}
	other := &fakePeer{id: 1}
	src := &fakePeerSource{peers: []Peer{origin, other}}

	subs := subscriber.New()
	subA := &fakeSub{id: 1}
	subB := &fakeSub{id: 2}
	subs.Add(7, subA)
	subs.Add(7, subB)
	eng := New(10, 16, subs, src)

	eng.ReceiveAnnounce(origin, &wire.PeerAnnounce{MsgID: 77, TTL: 5, DataType: 7, Payload: []byte("x")})
	handleA := subA.lastHandle()
	handleB := subB.lastHandle()

	eng.ReceiveValidation(subA, &wire.GossipValidation{MsgID: handleA, Valid: true})
	if other.sentCount() != 0 {
		t.Fatal("forward should not happen until every subscriber validates")
	}
	eng.ReceiveValidation(subB, &wire.GossipValidation{MsgID: handleB, Valid: true})
	if other.sentCount() != 1 {
		t.Fatalf("forward should happen once all subscribers validate, got %d sends", other.sentCount())
	}
}

func TestTTLZeroStaysInfiniteOnForward(t *testing.T) {
	t.Parallel()
	origin := &fakePeer{id: 99}
	other := &fakePeer{id: 1}
	src := &fakePeerSource{peers: []Peer{origin, other}}

	subs := subscriber.New()
	sub := &fakeSub{id: 1}
	subs.Add(7, sub)
	eng := New(10, 16, subs, src)

	eng.ReceiveAnnounce(origin, &wire.PeerAnnounce{MsgID: 1, TTL: 0, DataType: 7, Payload: []byte("x")})
	handle := sub.lastHandle()
	eng.ReceiveValidation(sub, &wire.GossipValidation{MsgID: handle, Valid: true})

	if len(other.sent) != 1 {
		t.Fatalf("expected exactly one forward, got %d", len(other.sent))
	}
	fwd := other.sent[0].(*wire.PeerAnnounce)
	if fwd.TTL != 0 {
		t.Fatalf("ttl=0 (infinite) must stay 0 on forward, got %d", fwd.TTL)
	}
}
