package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"voxeld/internal/wire"
)

// outboundQueueDepth bounds the per-client writer channel. Unlike the
// teacher's WSClient.Send (pub/sub, safe to drop), this channel carries
// RPC responses, so a persistently full queue closes the connection
// instead of silently discarding a reply.
const outboundQueueDepth = 64

// outboundWriteGrace is how long Client.Enqueue will wait for room in
// the outbound channel before giving up and closing the connection.
const outboundWriteGrace = 2 * time.Second

// Client is one accepted connection.
type Client struct {
	ID          uint64
	Conn        net.Conn
	Reader      *bufio.Reader
	Protocol    wire.Protocol
	PeerPID     int32
	PeerUID     uint32
	PeerGID     uint32
	ConnectTime time.Time

	binDecoder  *wire.BinaryDecoder
	jsonDecoder *wire.JSONStreamDecoder

	outbound  chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newClient(id uint64, conn net.Conn, reader *bufio.Reader, proto wire.Protocol, maxMessageSize uint32) *Client {
	c := &Client{
		ID:          id,
		Conn:        conn,
		Reader:      reader,
		Protocol:    proto,
		ConnectTime: time.Now(),
		outbound:    make(chan []byte, outboundQueueDepth),
	}
	switch proto {
	case wire.Binary:
		c.binDecoder = wire.NewBinaryDecoder(maxMessageSize)
	default:
		c.jsonDecoder = wire.NewJSONStreamDecoder(jsonOversizeLimit)
	}
	return c
}

// Enqueue schedules a framed write. It blocks briefly if the writer is
// backed up, then closes the connection rather than drop an RPC
// response.
func (c *Client) Enqueue(frame []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.outbound <- frame:
	case <-time.After(outboundWriteGrace):
		c.Close()
	}
}

// Close closes the underlying connection and the outbound channel
// exactly once, the same single-close-point-per-client discipline
// notify.Hub's Unsubscribe follows.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.Conn.Close()
		close(c.outbound)
	})
}
