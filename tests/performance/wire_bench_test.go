package performance

import (
	"testing"
	"time"

	"github.com/gridlink/gridlink/pkg/transport/wire"
)

func BenchmarkFrameEncode(b *testing.B) {
	f := &wire.Frame{Type: wire.FrameData, Message: 7, Peer: 42, Payload: make([]byte, 256)}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wire.Encode(f)
	}
}

func BenchmarkFrameDecode(b *testing.B) {
	data := wire.Encode(&wire.Frame{Type: wire.FrameData, Message: 7, Peer: 42, Payload: make([]byte, 256)})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wire.Decode(data); err != nil {
			b.Fatalf("decode: %v", err)
		}
	}
}

func BenchmarkEncodePayloadBytes(b *testing.B) {
	payload := make([]byte, 512)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wire.EncodePayload(payload); err != nil {
			b.Fatalf("encode: %v", err)
		}
	}
}

func BenchmarkEncodePayloadJSON(b *testing.B) {
	payload := map[string]any{"action": "move", "x": 12.5, "y": 42.1}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := wire.EncodePayload(payload); err != nil {
			b.Fatalf("encode: %v", err)
		}
	}
}

func BenchmarkPingPayload(b *testing.B) {
	now := time.Now()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := wire.PingPayload(now)
		if _, ok := wire.PingTime(p); !ok {
			b.Fatal("bad ping payload")
		}
	}
}

func BenchmarkBufferPool(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := wire.GetBuffer()
		buf = append(buf, "pooled payload"...)
		wire.PutBuffer(buf)
	}
}
