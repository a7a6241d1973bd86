package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"voxeld/internal/queue"
	"voxeld/internal/rpc"
	"voxeld/internal/workerpool"
)

// jsonOversizeLimit is the largest JSON message accepted before a
// parse-error response is returned instead.
const jsonOversizeLimit = 64 * 1024

// methodPriority assigns a queue.Priority to well-known built-in methods
// so enabling -priority-queue actually changes dequeue order: liveness
// and status calls should never wait behind a render job. Unlisted
// methods (including all domain methods) get queue.Normal.
var methodPriority = map[string]queue.Priority{
	"ping":         queue.Critical,
	"status":       queue.High,
	"version":      queue.High,
	"list_methods": queue.High,
	"render":       queue.Low,
}

// requestPriority probes a decoded JSON-RPC payload for its method and,
// optionally, an explicit "priority" param (one of "low", "normal",
// "high", "critical") that overrides the method table — callers that
// know their own urgency aren't stuck with a blanket per-method default.
func requestPriority(raw []byte) queue.Priority {
	var probe struct {
		Method string `json:"method"`
		Params struct {
			Priority string `json:"priority"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return queue.Normal
	}
	switch probe.Params.Priority {
	case "low":
		return queue.Low
	case "normal":
		return queue.Normal
	case "high":
		return queue.High
	case "critical":
		return queue.Critical
	}
	if p, ok := methodPriority[probe.Method]; ok {
		return p
	}
	return queue.Normal
}

// requestTimeoutMS probes a decoded JSON-RPC payload for an explicit
// "timeout_ms" param on its params object. 0 (the default) means no
// per-request timeout is enforced.
func requestTimeoutMS(raw []byte) int64 {
	var probe struct {
		Params struct {
			TimeoutMS int64 `json:"timeout_ms"`
		} `json:"params"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0
	}
	return probe.Params.TimeoutMS
}

// binaryReadLoop implements the BINARY path: read into a growing
// buffer, extract complete framed messages, submit each payload to the
// queue. A framing error (oversize) is connection-fatal.
func (s *Server) binaryReadLoop(ctx context.Context, c *Client) {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil || s.shuttingDown.Load() {
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := c.Reader.Read(buf)
		if n > 0 {
			msgs, decodeErr := c.binDecoder.Feed(buf[:n])
			for _, msg := range msgs {
				s.submit(c, msg.Payload)
			}
			if decodeErr != nil {
				s.log.Warn("binary framing error, closing connection")
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isBrokenConnection(err) {
				return
			}
			return
		}
	}
}

// jsonReadLoop implements the JSON path: a dedicated goroutine polling
// with a short read deadline, feeding the balanced brace/bracket state
// machine and submitting each complete object.
func (s *Server) jsonReadLoop(ctx context.Context, c *Client) {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil || s.shuttingDown.Load() {
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := c.Reader.Read(buf)
		if n > 0 {
			objs, decodeErr := c.jsonDecoder.Feed(buf[:n])
			for _, obj := range objs {
				s.submit(c, obj)
			}
			if decodeErr != nil {
				s.sendParseError(c)
				// resynchronize: the decoder already reset its internal
				// state, so the connection stays open for the next object.
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isBrokenConnection(err) {
				return
			}
			return
		}
	}
}

// submit enqueues a decoded JSON-RPC payload as a work item, deriving
// its priority and per-request timeout from the payload itself so
// -priority-queue and per-call timeouts are actually reachable from a
// live client, not only from queue package tests. If the queue is full,
// it synthesizes the "overloaded" response synchronously instead of
// retrying.
func (s *Server) submit(c *Client, raw []byte) {
	priority := requestPriority(raw)
	timeoutMS := requestTimeoutMS(raw)
	_, err := s.queue.Enqueue(workerpool.Job{Raw: json.RawMessage(raw)}, c.ID, priority, timeoutMS)
	if err == nil {
		return
	}
	s.Deliver(c.ID, &rpc.Response{
		JSONRPC: rpc.Version,
		Error:   &rpc.Error{Code: rpc.CodeInternalError, Message: "overloaded"},
		ID:      extractRequestID(raw),
	})
}

func (s *Server) sendParseError(c *Client) {
	s.Deliver(c.ID, &rpc.Response{
		JSONRPC: rpc.Version,
		Error:   &rpc.Error{Code: rpc.CodeParseError, Message: "Parse error"},
		ID:      rpc.NullID,
	})
}

func extractRequestID(raw []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == nil {
		return rpc.NullID
	}
	return probe.ID
}

// writeLoop is the single writer goroutine per client, adapted from the
// teacher's WSClient.Send consumer: one goroutine owns conn.Write so
// concurrent Deliver calls never interleave partial frames.
func (s *Server) writeLoop(c *Client) {
	for frame := range c.outbound {
		if _, err := c.Conn.Write(frame); err != nil {
			c.Close()
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isBrokenConnection(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
