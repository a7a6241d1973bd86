// Package transport implements the listener and per-connection handling:
// a single unix stream socket, protocol auto-detection, and two read
// loops (binary / JSON) feeding decoded requests into the work queue.
// Outbound writes are adapted from the app server's WSClient.Send
// channel-plus-writer-goroutine pattern.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voxeld/internal/queue"
	"voxeld/internal/rpc"
	"voxeld/internal/wire"
	"voxeld/internal/workerpool"
)

// Options configures a Server's listener and framing limits.
type Options struct {
	SocketPath     string
	MaxConnections int32
	MaxMessageSize uint32
	Backlog        int
}

// Server owns the listening socket, the client registry, and the work
// queue requests are submitted to. It implements workerpool.Sink so
// workers can deliver responses back to their originating client.
type Server struct {
	opts Options
	log  *zap.Logger

	ln *net.UnixListener

	queue *queue.Queue

	registryMu   sync.RWMutex
	clients      map[uint64]*Client
	nextClientID uint64
	active       int32

	onCloseMu sync.RWMutex
	onClose   []func(clientID uint64)

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

var _ workerpool.Sink = (*Server)(nil)

// New binds the unix socket: unlink any stale socket file, bind, chmod
// 0660.
func New(opts Options, q *queue.Queue, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxMessageSize == 0 {
		opts.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 256
	}

	if _, err := os.Stat(opts.SocketPath); err == nil {
		_ = os.Remove(opts.SocketPath)
	}

	addr, err := net.ResolveUnixAddr("unix", opts.SocketPath)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(opts.SocketPath, 0660); err != nil {
		_ = ln.Close()
		return nil, err
	}

	return &Server{
		opts:    opts,
		log:     log,
		ln:      ln,
		queue:   q,
		clients: make(map[uint64]*Client),
	}, nil
}

// Start launches the accept loop in its own goroutine. It returns
// immediately; call Wait or rely on ctx cancellation to stop it.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.acceptLoop(ctx)
}

// acceptLoop polls Accept with a 1-second deadline so it observes
// shutdown without blocking forever, in place of a blocking http.Serve
// loop.
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if s.shuttingDown.Load() || ctx.Err() != nil {
			return
		}
		_ = s.ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.shuttingDown.Load() {
				return
			}
			s.log.Warn("accept error", zap.Error(err))
			continue
		}

		if atomic.AddInt32(&s.active, 1) > s.opts.MaxConnections {
			atomic.AddInt32(&s.active, -1)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.active, -1)

	reader := bufio.NewReaderSize(conn, 4096)
	peek, err := reader.Peek(4)
	if err != nil && len(peek) == 0 {
		_ = conn.Close()
		return
	}
	proto := wire.DetectProtocol(peek)

	id := atomic.AddUint64(&s.nextClientID, 1)
	pid, uid, gid := peerCredentials(conn)
	client := newClient(id, conn, reader, proto, s.opts.MaxMessageSize)
	client.PeerPID, client.PeerUID, client.PeerGID = pid, uid, gid

	s.register(client)
	defer s.unregister(client)
	defer s.runOnClose(client.ID)

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writeLoop(client)
	}()

	switch proto {
	case wire.Binary:
		s.binaryReadLoop(ctx, client)
	default:
		s.jsonReadLoop(ctx, client)
	}

	client.Close()
	writerWG.Wait()
}

func (s *Server) register(c *Client) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.clients[c.ID] = c
}

func (s *Server) unregister(c *Client) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	delete(s.clients, c.ID)
}

// OnClose registers fn to run, with the closed connection's client id,
// once a connection's handler returns. Handlers that open per-client
// state elsewhere (e.g. a render-event subscription) use this to clean
// it up without the transport layer needing to know what that state is.
func (s *Server) OnClose(fn func(clientID uint64)) {
	s.onCloseMu.Lock()
	defer s.onCloseMu.Unlock()
	s.onClose = append(s.onClose, fn)
}

func (s *Server) runOnClose(clientID uint64) {
	s.onCloseMu.RLock()
	fns := s.onClose
	s.onCloseMu.RUnlock()
	for _, fn := range fns {
		fn(clientID)
	}
}

func (s *Server) clientByID(id uint64) (*Client, bool) {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// ActiveConnections reports the current registered client count, for
// the metrics endpoint.
func (s *Server) ActiveConnections() int {
	s.registryMu.RLock()
	defer s.registryMu.RUnlock()
	return len(s.clients)
}

// Stop flips the shutdown flag, closes the listener, and disconnects
// every registered client. It does not wait for in-flight handlers;
// callers that need that join on the worker pool separately.
func (s *Server) Stop() {
	s.shuttingDown.Store(true)
	_ = s.ln.Close()

	s.registryMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.registryMu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// Wait blocks until the accept loop and every connection handler have
// returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Deliver implements workerpool.Sink: it frames a JSON-RPC response
// per the originating client's protocol and enqueues it for writing.
func (s *Server) Deliver(clientID uint64, resp *rpc.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("marshal response", zap.Error(err))
		return
	}
	s.frameAndEnqueue(clientID, body)
}

// notification is a server-initiated JSON-RPC 2.0 call with no id —
// the same envelope as a request, minus id, used here to push
// render-cache events to a subscribe_render caller.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// DeliverNotification pushes an unsolicited JSON-RPC notification (no
// id) to clientID, framed per its protocol. Used by domain handlers
// that subscribe a connection to render-cache events.
func (s *Server) DeliverNotification(clientID uint64, method string, params any) {
	body, err := json.Marshal(notification{JSONRPC: rpc.Version, Method: method, Params: params})
	if err != nil {
		s.log.Error("marshal notification", zap.Error(err))
		return
	}
	s.frameAndEnqueue(clientID, body)
}

func (s *Server) frameAndEnqueue(clientID uint64, body []byte) {
	client, ok := s.clientByID(clientID)
	if !ok {
		return
	}
	switch client.Protocol {
	case wire.Binary:
		msg := wire.Message{Payload: body}
		client.Enqueue(wire.EncodeBinary(msg))
	default:
		framed := make([]byte, 0, len(body)+1)
		framed = append(framed, body...)
		framed = append(framed, '\n')
		client.Enqueue(framed)
	}
}
