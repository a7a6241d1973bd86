package wire

import (
	"bytes"
	"testing"
)

func TestBinaryRoundTrip(t *testing.T) {
	msg := Message{ID: 7, Type: 1, Payload: []byte("hello world"), TimestampHigh: 42}
	encoded := EncodeBinary(msg)

	d := NewBinaryDecoder(0)
	msgs, err := d.Feed(encoded)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.ID != msg.ID || got.Type != msg.Type || got.TimestampHigh != msg.TimestampHigh {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}

	// encode(decode(bytes)) == bytes
	if !bytes.Equal(EncodeBinary(got), encoded) {
		t.Fatalf("round trip mismatch")
	}
}

func TestBinaryPartialReads(t *testing.T) {
	msg := Message{ID: 1, Type: 2, Payload: []byte("partial"), TimestampHigh: 0}
	encoded := EncodeBinary(msg)

	d := NewBinaryDecoder(0)
	var got []Message
	for i := 0; i < len(encoded); i++ {
		out, err := d.Feed(encoded[i : i+1])
		if err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		got = append(got, out...)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 message assembled from partial reads, got %d", len(got))
	}
	if !bytes.Equal(got[0].Payload, msg.Payload) {
		t.Fatalf("payload mismatch: %q", got[0].Payload)
	}
}

func TestBinaryMultipleMessagesInOneChunk(t *testing.T) {
	a := EncodeBinary(Message{ID: 1, Payload: []byte("a")})
	b := EncodeBinary(Message{ID: 2, Payload: []byte("bb")})

	d := NewBinaryDecoder(0)
	out, err := d.Feed(append(a, b...))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].ID != 1 || out[1].ID != 2 {
		t.Fatalf("messages out of order: %+v", out)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected no leftover bytes, got %d", d.Buffered())
	}
}

func TestBinaryOversizeRejected(t *testing.T) {
	d := NewBinaryDecoder(8)
	msg := Message{ID: 1, Payload: []byte("this payload is too big")}
	_, err := d.Feed(EncodeBinary(msg))
	if err == nil {
		t.Fatalf("expected oversize error")
	}
	var tooLarge *ErrMessageTooLarge
	if !asErrMessageTooLarge(err, &tooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %T: %v", err, err)
	}
}

func asErrMessageTooLarge(err error, target **ErrMessageTooLarge) bool {
	e, ok := err.(*ErrMessageTooLarge)
	if ok {
		*target = e
	}
	return ok
}

func TestBinaryCeilingClamped(t *testing.T) {
	d := NewBinaryDecoder(MaxMessageSizeCeiling * 2)
	if d.MaxMessageSize != MaxMessageSizeCeiling {
		t.Fatalf("expected max clamped to ceiling, got %d", d.MaxMessageSize)
	}
}
