package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gridlink/gridlink/pkg/transport"
)

// Version is the wire protocol version.
const Version uint8 = 1

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 12

// MaxPayloadSize bounds a single frame's payload.
const MaxPayloadSize = 4 * 1024 * 1024 // 4MB

// Frame decoding errors.
var (
	ErrShortFrame      = errors.New("wire: frame shorter than header")
	ErrVersionMismatch = errors.New("wire: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds limit")
	ErrTruncatedFrame  = errors.New("wire: payload truncated")
)

// FrameType identifies what a frame carries.
type FrameType uint8

const (
	// FrameData carries an application message.
	FrameData FrameType = 0
	// FrameHail is the first frame a client sends, carrying the connect
	// payload.
	FrameHail FrameType = 1
	// FrameWelcome is the server's answer to a hail; Peer holds the
	// assigned id.
	FrameWelcome FrameType = 2
	// FramePing carries the sender's clock for latency measurement.
	FramePing FrameType = 3
	// FramePong echoes a ping's payload back.
	FramePong FrameType = 4
	// FramePeerJoined announces another peer's arrival; Peer holds the
	// subject.
	FramePeerJoined FrameType = 5
	// FramePeerLeft announces another peer's departure; Peer holds the
	// subject.
	FramePeerLeft FrameType = 6
	// FrameGoaway tells the receiver the sender is closing the link on
	// purpose. The payload optionally carries a reason string.
	FrameGoaway FrameType = 7
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameHail:
		return "hail"
	case FrameWelcome:
		return "welcome"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FramePeerJoined:
		return "peer-joined"
	case FramePeerLeft:
		return "peer-left"
	case FrameGoaway:
		return "goaway"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Frame is one unit of the wire protocol.
//
// Message is meaningful only for FrameData, where it selects the handler
// on the receiving side. Peer names the frame's subject: the sending
// peer for server-to-client data, the assigned id in a welcome, and the
// joining or leaving peer in the membership frames.
type Frame struct {
	Type    FrameType
	Message transport.MessageID
	Peer    transport.PeerID
	Payload []byte
}

// Encode serializes f into a single buffer, header first.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = Version
	buf[1] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Message))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Peer))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses a whole frame from data. The returned frame's payload
// aliases data rather than copying it.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortFrame
	}
	if data[0] != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, data[0], Version)
	}
	n := binary.BigEndian.Uint32(data[8:12])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if uint32(len(data)-HeaderSize) < n {
		return nil, fmt.Errorf("%w: header says %d bytes, frame has %d", ErrTruncatedFrame, n, len(data)-HeaderSize)
	}
	f := &Frame{
		Type:    FrameType(data[1]),
		Message: transport.MessageID(binary.BigEndian.Uint16(data[2:4])),
		Peer:    transport.PeerID(binary.BigEndian.Uint32(data[4:8])),
	}
	if n > 0 {
		f.Payload = data[HeaderSize : HeaderSize+n]
	}
	return f, nil
}

// Write streams f to w, header first.
func Write(w io.Writer, f *Frame) error {
	var hdr [HeaderSize]byte
	hdr[0] = Version
	hdr[1] = byte(f.Type)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(f.Message))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(f.Peer))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(f.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// Read reads one frame from r, blocking until a full frame arrives.
func Read(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if hdr[0] != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, hdr[0], Version)
	}
	n := binary.BigEndian.Uint32(hdr[8:12])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	f := &Frame{
		Type:    FrameType(hdr[1]),
		Message: transport.MessageID(binary.BigEndian.Uint16(hdr[2:4])),
		Peer:    transport.PeerID(binary.BigEndian.Uint32(hdr[4:8])),
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return f, nil
}
