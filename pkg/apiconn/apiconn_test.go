package apiconn

import (
	"net"
	"testing"
	"time"

	"github.com/litnet/gossipmesh/pkg/subscriber"
	"github.com/litnet/gossipmesh/pkg/wire"
)

type fakeEngine struct {
	originated []*wire.GossipAnnounce
	validated  []*wire.GossipValidation
}

func (f *fakeEngine) Originate(ann *wire.GossipAnnounce) (uint64, error) {
	f.originated = append(f.originated, ann)
	return 1, nil
}

func (f *fakeEngine) ReceiveValidation(sub subscriber.Conn, v *wire.GossipValidation) {
	f.validated = append(f.validated, v)
}

func newTestConn(t *testing.T, engine Engine, subs *subscriber.Registry) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := New(server, engine, subs)
	c.Start()
	t.Cleanup(func() { c.Close(nil) })
	return c, client
}

func readFrame(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	msg, err := wire.Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return msg
}

func TestGossipAnnounceForwardedToEngine(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{}
	_, client := newTestConn(t, engine, subscriber.New())

	ann := &wire.GossipAnnounce{TTL: 3, DataType: 7, Payload: []byte("hi")}
	if _, err := client.Write(ann.Encode()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(engine.originated) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(engine.originated) != 1 {
		t.Fatalf("engine.originated len = %d, want 1", len(engine.originated))
	}
	if engine.originated[0].DataType != 7 {
		t.Errorf("DataType = %d, want 7", engine.originated[0].DataType)
	}
}

func TestGossipNotifyRegistersSubscriber(t *testing.T) {
	t.Parallel()
	subs := subscriber.New()
	c, client := newTestConn(t, &fakeEngine{}, subs)

	notify := &wire.GossipNotify{DataType: 9}
	if _, err := client.Write(notify.Encode()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(subs.Subscribers(9)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := subs.Subscribers(9)
	if len(got) != 1 || got[0].ID() != c.ID() {
		t.Fatalf("Subscribers(9) = %v, want [%d]", got, c.ID())
	}
}

func TestNotifySendsGossipNotification(t *testing.T) {
	t.Parallel()
	c, client := newTestConn(t, &fakeEngine{}, subscriber.New())

	if err := c.Notify(5, 9, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	msg := readFrame(t, client)
	notif, ok := msg.(*wire.GossipNotification)
	if !ok {
		t.Fatalf("got %T, want *wire.GossipNotification", msg)
	}
	if notif.MsgID != 5 || notif.DataType != 9 || string(notif.Payload) != "payload" {
		t.Errorf("got %+v", notif)
	}
}

func TestGossipValidationForwardedToEngine(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{}
	_, client := newTestConn(t, engine, subscriber.New())

	v := &wire.GossipValidation{MsgID: 3, Valid: true}
	if _, err := client.Write(v.Encode()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(engine.validated) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(engine.validated) != 1 || !engine.validated[0].Valid {
		t.Fatalf("engine.validated = %+v", engine.validated)
	}
}

func TestCloseDeregistersFromSubscriberRegistry(t *testing.T) {
	t.Parallel()
	subs := subscriber.New()
	c, client := newTestConn(t, &fakeEngine{}, subs)
	defer client.Close()

	notify := &wire.GossipNotify{DataType: 4}
	if _, err := client.Write(notify.Encode()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(subs.Subscribers(4)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	c.Close(nil)

	if got := subs.Subscribers(4); len(got) != 0 {
		t.Fatalf("Subscribers(4) after close = %v, want empty", got)
	}
}
