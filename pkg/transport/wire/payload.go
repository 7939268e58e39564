package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EncodePayload converts an application payload into wire bytes. []byte
// values pass through untouched, strings become their raw bytes, and
// anything else is marshalled as JSON.
func EncodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// PingPayload encodes now as the 8-byte payload of a ping frame.
func PingPayload(now time.Time) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(now.UnixNano()))
	return buf[:]
}

// PingTime decodes the timestamp out of a ping or pong payload. It
// reports false if the payload is not the expected 8 bytes.
func PingTime(payload []byte) (time.Time, bool) {
	if len(payload) != 8 {
		return time.Time{}, false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(payload))), true
}

const bufferSize = 4096

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, bufferSize)
		return &b
	},
}

// GetBuffer returns an empty buffer from the shared pool. Senders that
// build payloads into it and pass release=true to Send get the buffer
// recycled by the transport after the write.
func GetBuffer() []byte {
	return (*bufPool.Get().(*[]byte))[:0]
}

// PutBuffer returns a buffer to the shared pool. The caller must not
// touch b afterwards.
func PutBuffer(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:0]
	bufPool.Put(&b)
}
