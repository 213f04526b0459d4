// Package wire implements the length-prefixed binary framing used between
// gossipmesh peers and between a node and its local subscribers.
//
// Every message on the wire starts with a 4-byte header: a big-endian u16
// total size (header included) followed by a big-endian u16 type code. The
// body layout is fixed per type; variable-length bodies are delimited by
// the declared size, never by an in-band terminator.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedFrame is returned whenever a frame's declared size does not
// match its actual length, a fixed-body message carries trailing bytes, or
// the stream ends before the declared size is satisfied.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// MaxFrameSize is one more than the largest frame size the u16 size field
// can declare. ReadFrame does not consult it: the field's width alone
// bounds the allocation a corrupt or hostile peer can force.
const MaxFrameSize = 1 << 16

// Type is a wire message type code.
type Type uint16

const (
	TypeGossipAnnounce     Type = 500
	TypeGossipNotify       Type = 501
	TypeGossipNotification Type = 502
	TypeGossipValidation   Type = 503
	TypePeerAnnounce       Type = 504
	TypePeerDiscovery      Type = 505
	TypePeerOffer          Type = 506
	TypePeerInfo           Type = 507
	TypePeerChallenge      Type = 508
	TypePeerVerification   Type = 509
	TypePeerValidation     Type = 510
)

func (t Type) String() string {
	switch t {
	case TypeGossipAnnounce:
		return "GOSSIP_ANNOUNCE"
	case TypeGossipNotify:
		return "GOSSIP_NOTIFY"
	case TypeGossipNotification:
		return "GOSSIP_NOTIFICATION"
	case TypeGossipValidation:
		return "GOSSIP_VALIDATION"
	case TypePeerAnnounce:
		return "PEER_ANNOUNCE"
	case TypePeerDiscovery:
		return "PEER_DISCOVERY"
	case TypePeerOffer:
		return "PEER_OFFER"
	case TypePeerInfo:
		return "PEER_INFO"
	case TypePeerChallenge:
		return "PEER_CHALLENGE"
	case TypePeerVerification:
		return "PEER_VERIFICATION"
	case TypePeerValidation:
		return "PEER_VALIDATION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// IsPeerMessage reports whether t belongs to the peer protocol (504-510),
// as opposed to the local subscriber API protocol (500-503).
func (t Type) IsPeerMessage() bool {
	return t >= TypePeerAnnounce && t <= TypePeerValidation
}

// Message is implemented by every decoded wire message. Encode produces the
// full framed byte slice (header included), ready to write to a socket.
type Message interface {
	Type() Type
	Encode() []byte
}

const headerSize = 4

func putHeader(buf []byte, size int, typ Type) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	binary.BigEndian.PutUint16(buf[2:4], uint16(typ))
}

// header returns the declared size and type from the first 4 bytes of buf.
// Caller must ensure len(buf) >= headerSize.
func header(buf []byte) (size int, typ Type) {
	return int(binary.BigEndian.Uint16(buf[0:2])), Type(binary.BigEndian.Uint16(buf[2:4]))
}

// Parse decodes a single complete frame (as produced by ReadFrame) into its
// typed Message. It re-validates the declared size against len(buf) so it
// is safe to call on buffers assembled by something other than ReadFrame
// (e.g. in tests).
func Parse(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return nil, ErrMalformedFrame
	}
	size, typ := header(buf)
	if size != len(buf) {
		return nil, ErrMalformedFrame
	}
	body := buf[headerSize:]
	switch typ {
	case TypeGossipAnnounce:
		return parseGossipAnnounce(body)
	case TypeGossipNotify:
		return parseGossipNotify(body)
	case TypeGossipNotification:
		return parseGossipNotification(body)
	case TypeGossipValidation:
		return parseGossipValidation(body)
	case TypePeerAnnounce:
		return parsePeerAnnounce(body)
	case TypePeerDiscovery:
		return parsePeerDiscovery(body)
	case TypePeerOffer:
		return parsePeerOffer(body)
	case TypePeerInfo:
		return parsePeerInfo(body)
	case TypePeerChallenge:
		return parsePeerChallenge(body)
	case TypePeerVerification:
		return parsePeerVerification(body)
	case TypePeerValidation:
		return parsePeerValidation(body)
	default:
		return nil, fmt.Errorf("wire: %w: unknown type %d", ErrMalformedFrame, uint16(typ))
	}
}

// ReadFrame reads one complete frame from r: a 2-byte big-endian size prefix
// (the same size field encoded by putHeader, header included) followed by
// exactly size-2 more bytes. The returned slice includes the full header, so
// it can be passed directly to Parse. A short read before the declared size
// is satisfied — including a clean EOF after the size prefix but before the
// body — is reported as ErrMalformedFrame, not io.EOF, since by that point a
// frame has already been announced. A clean EOF with zero bytes read (no
// frame started) is reported as io.EOF so callers can distinguish a peer
// closing between frames from one that died mid-frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var sizeBuf [2]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ErrMalformedFrame
	}
	size := int(binary.BigEndian.Uint16(sizeBuf[:]))
	if size < headerSize {
		return nil, ErrMalformedFrame
	}
	buf := make([]byte, size)
	copy(buf[0:2], sizeBuf[:])
	if _, err := io.ReadFull(r, buf[2:]); err != nil {
		return nil, ErrMalformedFrame
	}
	return buf, nil
}
