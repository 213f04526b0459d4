// Package apiconn implements the local subscriber-facing side of the wire
// protocol: one Connection per TCP socket from an external subscriber
// program, speaking GOSSIP_ANNOUNCE/GOSSIP_NOTIFY/GOSSIP_NOTIFICATION/
// GOSSIP_VALIDATION (wire types 500-503). It plays the same role for the
// API protocol that pkg/peerconn plays for the peer protocol, but the API
// protocol has no handshake: every message is legal from the moment the
// socket opens.
package apiconn

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/litnet/gossipmesh/pkg/subscriber"
	"github.com/litnet/gossipmesh/pkg/telemetry"
	"github.com/litnet/gossipmesh/pkg/wire"
)

// Engine is the narrow view of the dissemination engine a Connection needs.
// Implemented by *gossip.Engine.
type Engine interface {
	Originate(ann *wire.GossipAnnounce) (msgID uint64, err error)
	ReceiveValidation(sub subscriber.Conn, v *wire.GossipValidation)
}

// sendQueueDepth bounds the per-connection outbound queue; a subscriber
// that cannot keep up is disconnected rather than letting the queue grow
// unboundedly. Mirrors pkg/peerconn's sendQueueDepth.
const sendQueueDepth = 64

var nextConnID uint64

// Connection owns one TCP socket to a local subscriber. It implements
// subscriber.Conn so the dissemination engine can deliver notifications to
// it directly. The zero value is not usable; construct with New.
type Connection struct {
	id     uint64
	conn   net.Conn
	engine Engine
	subs   *subscriber.Registry

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
// processing.
func New(conn net.Conn, engine Engine, subs *subscriber.Registry) *Connection {
	return &Connection{
		id:     atomic.AddUint64(&nextConnID, 1),
		conn:   conn,
		engine: engine,
		subs:   subs,
		sendCh: make(chan wire.Message, sendQueueDepth),
		closed: make(chan struct{}),
	}
}

// ID distinguishes this connection from others for subscriber registry
// bookkeeping.
func (c *Connection) ID() uint64 { return c.id }

// Start launches the reader and writer goroutines.
func (c *Connection) Start() {
	go c.writeLoop()
	go c.readLoop()
}

// Notify delivers a GOSSIP_NOTIFICATION to the subscriber. Implements
// subscriber.Conn.
func (c *Connection) Notify(msgID uint16, dataType uint16, payload []byte) error {
	return c.enqueue(&wire.GossipNotification{MsgID: msgID, DataType: dataType, Payload: payload})
}

func (c *Connection) enqueue(msg wire.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.closed:
		return fmt.Errorf("apiconn: connection %d closed", c.id)
	default:
		c.Close(fmt.Errorf("apiconn: send queue full"))
		return fmt.Errorf("apiconn: send queue full, closing connection %d", c.id)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			if _, err := c.conn.Write(msg.Encode()); err != nil {
				c.Close(fmt.Errorf("apiconn: write: %w", err))
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
			err := fmt.Errorf("apiconn: panic while handling connection %d: %v", c.id, r)
			log.Print(err)
			c.Close(err)
		}
	}()
	for {
		buf, err := wire.ReadFrame(c.conn)
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
			telemetry.DebugFrame("apiconn", buf, err)
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

func (c *Connection) dispatch(msg wire.Message) error {
	typ := msg.Type()
	if typ.IsPeerMessage() {
		return fmt.Errorf("apiconn: peer message %v on subscriber connection", typ)
	}
	switch m := msg.(type) {
	case *wire.GossipAnnounce:
		_, err := c.engine.Originate(m)
		return err
	case *wire.GossipNotify:
		c.subs.Add(m.DataType, c)
		return nil
	case *wire.GossipValidation:
		c.engine.ReceiveValidation(c, m)
		return nil
	default:
		return fmt.Errorf("apiconn: unhandled message %v", typ)
	}
}

// Close tears the connection down exactly once: closes the socket and
// deregisters it from every subscriber interest.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.subs.RemoveAll(c)
	})
}
