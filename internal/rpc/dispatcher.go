package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"voxeld/internal/engine"
)

// HandlerEnv is passed to every handler invocation. WorkerID identifies
// which worker pool slot is executing the call; ClientID identifies the
// originating connection for handlers that need per-client state (e.g.
// the render-cache notification subscription). Engine is the loaded
// project's engine context, populated by the worker pool only for the
// duration that the project lock is held — a handler that stashes it
// past its own return is holding a stale or concurrently-mutated handle.
type HandlerEnv struct {
	WorkerID int
	ClientID uint64
	Engine   engine.Context
}

// Handler implements one JSON-RPC method. It must not block on network
// I/O; it may block briefly acquiring the project lock.
type Handler func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error)

// Registration pairs a Handler with the metadata list_methods reports.
type Registration struct {
	Method      string
	Description string
	Handler     Handler
}

// Dispatcher is the table-driven JSON-RPC 2.0 method registry.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// NewDispatcher builds an empty Dispatcher; call RegisterBuiltins and/or
// Register to populate it.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Registration)}
}

// Register adds or replaces a method's handler.
func (d *Dispatcher) Register(reg Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[reg.Method] = reg
}

// Lookup returns the registration for a method, if any.
func (d *Dispatcher) Lookup(method string) (Registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.handlers[method]
	return reg, ok
}

// Methods returns every registration, sorted by method name.
func (d *Dispatcher) Methods() []Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Registration, 0, len(d.handlers))
	for _, r := range d.handlers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// ParseRequest unmarshals a raw JSON-RPC payload, returning a well-formed
// error Response (non-nil) instead: Parse error if it isn't valid JSON,
// Invalid Request if it isn't a valid JSON-RPC 2.0 request object.
func ParseRequest(raw []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errorResponse(nil, CodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != Version || req.Method == "" {
		return nil, errorResponse(req.ID, CodeInvalidRequest, "Invalid Request", nil)
	}
	return &req, nil
}

// Dispatch parses, validates, looks up, and invokes a single JSON-RPC
// call. It returns (nil) when the call was a notification — the caller
// must write nothing back to the connection in that case.
func (d *Dispatcher) Dispatch(ctx context.Context, env HandlerEnv, raw []byte) *Response {
	req, errResp := ParseRequest(raw)
	if errResp != nil {
		return errResp
	}
	if req.IsNotification() {
		d.invoke(ctx, env, req)
		return nil
	}
	return d.invoke(ctx, env, req)
}

func (d *Dispatcher) invoke(ctx context.Context, env HandlerEnv, req *Request) *Response {
	reg, ok := d.Lookup(req.Method)
	if !ok {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found", nil)
	}

	result, err := safeCall(reg.Handler, ctx, env, req.Params)
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			return errorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return errorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return resultResponse(req.ID, result)
}

// safeCall recovers a panicking handler into an internal error, so a
// single bad handler cannot take down a worker.
func safeCall(h Handler, ctx context.Context, env HandlerEnv, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env, params)
}
