package wire

import (
	"encoding/binary"
)

// EncodeBinary serializes msg into a 16-byte header followed by its
// payload.
func EncodeBinary(msg Message) []byte {
	out := make([]byte, HeaderSize+len(msg.Payload))
	binary.BigEndian.PutUint32(out[0:4], msg.ID)
	binary.BigEndian.PutUint32(out[4:8], msg.Type)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(msg.Payload)))
	binary.BigEndian.PutUint32(out[12:16], msg.TimestampHigh)
	copy(out[HeaderSize:], msg.Payload)
	return out
}

// BinaryDecoder accumulates partial reads into a growing buffer (doubling
// on overflow, up to MaxMessageSize) and extracts complete messages by
// in-place compaction — the same length-prefixed accumulation the
// teacher's Worker.handleRequest/streamInternal do for their 4-byte
// length header, widened here to a 16-byte header and a bounded size.
type BinaryDecoder struct {
	buf            []byte
	MaxMessageSize uint32
}

// NewBinaryDecoder builds a decoder; maxMessageSize of 0 uses the default.
func NewBinaryDecoder(maxMessageSize uint32) *BinaryDecoder {
	if maxMessageSize == 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	if maxMessageSize > MaxMessageSizeCeiling {
		maxMessageSize = MaxMessageSizeCeiling
	}
	return &BinaryDecoder{MaxMessageSize: maxMessageSize}
}

// Feed appends newly-read bytes and extracts every complete message now
// available. It returns a connection-fatal error if a framing's length
// exceeds MaxMessageSize.
func (d *BinaryDecoder) Feed(chunk []byte) ([]Message, error) {
	d.append(chunk)

	var out []Message
	for {
		msg, n, ok, err := d.tryExtract()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, msg)
		d.compact(n)
	}
	return out, nil
}

func (d *BinaryDecoder) append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	need := len(d.buf) + len(chunk)
	if cap(d.buf) < need {
		newCap := cap(d.buf)
		if newCap == 0 {
			newCap = 4096
		}
		for newCap < need {
			newCap *= 2
		}
		grown := make([]byte, len(d.buf), newCap)
		copy(grown, d.buf)
		d.buf = grown
	}
	d.buf = append(d.buf, chunk...)
}

func (d *BinaryDecoder) tryExtract() (Message, int, bool, error) {
	if len(d.buf) < HeaderSize {
		return Message{}, 0, false, nil
	}
	id := binary.BigEndian.Uint32(d.buf[0:4])
	typ := binary.BigEndian.Uint32(d.buf[4:8])
	length := binary.BigEndian.Uint32(d.buf[8:12])
	tsHigh := binary.BigEndian.Uint32(d.buf[12:16])

	if length > d.MaxMessageSize {
		return Message{}, 0, false, &ErrMessageTooLarge{Length: length, Max: d.MaxMessageSize}
	}

	total := HeaderSize + int(length)
	if len(d.buf) < total {
		return Message{}, 0, false, nil
	}

	payload := make([]byte, length)
	copy(payload, d.buf[HeaderSize:total])

	return Message{
		ID:            id,
		Type:          typ,
		Payload:       payload,
		TimestampHigh: tsHigh,
	}, total, true, nil
}

// compact removes the first n bytes, shifting the remainder down.
func (d *BinaryDecoder) compact(n int) {
	remaining := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}

// Buffered reports how many unparsed bytes are currently held.
func (d *BinaryDecoder) Buffered() int { return len(d.buf) }
