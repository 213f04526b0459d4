package subscriber

import "testing"

type fakeConn struct {
	id        uint64
	notified  []uint16
	failClose bool
}

func (c *fakeConn) Notify(msgID uint16, dataType uint16, payload []byte) error {
	c.notified = append(c.notified, dataType)
	return nil
}

func (c *fakeConn) ID() uint64 { return c.id }

func TestAddAndSubscribers(t *testing.T) {
	t.Parallel()
	r := New()
	a := &fakeConn{id: 1}
	b := &fakeConn{id: 2}

	r.Add(7, a)
	r.Add(7, b)
	r.Add(9, a)

	subs7 := r.Subscribers(7)
	if len(subs7) != 2 {
		t.Fatalf("len(Subscribers(7)) = %d, want 2", len(subs7))
	}
	subs9 := r.Subscribers(9)
	if len(subs9) != 1 {
		t.Fatalf("len(Subscribers(9)) = %d, want 1", len(subs9))
	}
	if len(r.Subscribers(42)) != 0 {
		t.Fatal("unsubscribed data type should have no subscribers")
	}
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()
	r := New()
	a := &fakeConn{id: 1}
	r.Add(7, a)
	r.Add(7, a)
	if len(r.Subscribers(7)) != 1 {
		t.Fatalf("duplicate Add should not duplicate subscriber")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	r := New()
	a := &fakeConn{id: 1}
	b := &fakeConn{id: 2}
	r.Add(7, a)
	r.Add(7, b)

	r.Remove(7, a)
	subs := r.Subscribers(7)
	if len(subs) != 1 || subs[0].ID() != 2 {
		t.Fatalf("Subscribers(7) = %v, want only id 2", subs)
	}

	r.Remove(7, a) // idempotent
	if len(r.Subscribers(7)) != 1 {
		t.Fatal("removing an absent subscription should be a no-op")
	}
}

func TestRemoveAllClearsEveryType(t *testing.T) {
	t.Parallel()
	r := New()
	a := &fakeConn{id: 1}
	r.Add(7, a)
	r.Add(9, a)
	r.Add(9, &fakeConn{id: 2})

	r.RemoveAll(a)

	if len(r.Subscribers(7)) != 0 {
		t.Fatal("type 7 should be empty after RemoveAll")
	}
	subs9 := r.Subscribers(9)
	if len(subs9) != 1 || subs9[0].ID() != 2 {
		t.Fatalf("Subscribers(9) = %v, want only id 2", subs9)
	}
}
