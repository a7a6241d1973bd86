package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeStatus struct{ started time.Time }

func (f fakeStatus) State() string        { return "running" }
func (f fakeStatus) StartedAt() time.Time { return f.started }

func newTestDispatcher() *Dispatcher {
	d := NewDispatcher()
	RegisterBuiltins(d, "test-1.0", fakeStatus{started: time.Now()})
	return d
}

func TestPingHappyPath(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	if resp == nil {
		t.Fatalf("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Fatalf("expected id=1, got %s", resp.ID)
	}
	result := resp.Result.(map[string]any)
	if result["pong"] != true {
		t.Fatalf("expected pong=true, got %v", result)
	}
}

func TestUnknownMethod(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"nope","id":"x"}`))
	if resp == nil || resp.Error == nil {
		t.Fatalf("expected error response")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected code %d, got %d", CodeMethodNotFound, resp.Error.Code)
	}
	if string(resp.ID) != `"x"` {
		t.Fatalf("expected id preserved as string, got %s", resp.ID)
	}
}

func TestParseErrorYieldsNullID(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{not json`))
	if resp == nil || resp.Error == nil {
		t.Fatalf("expected parse error response")
	}
	if resp.Error.Code != CodeParseError {
		t.Fatalf("expected parse error code, got %d", resp.Error.Code)
	}
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id, got %s", resp.ID)
	}
}

func TestInvalidRequestMissingMethod(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","id":5}`))
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp)
	}
}

func TestNotificationProducesNoResponse(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"ping"}`))
	if resp != nil {
		t.Fatalf("expected nil response for notification, got %+v", resp)
	}
}

func TestHandlerErrorBecomesInternalError(t *testing.T) {
	d := newTestDispatcher()
	d.Register(Registration{
		Method: "boom",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			return nil, errBoom{}
		},
	})
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"boom","id":1}`))
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected internal error, got %+v", resp)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestHandlerPanicRecovered(t *testing.T) {
	d := newTestDispatcher()
	d.Register(Registration{
		Method: "panics",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			panic("kaboom")
		},
	})
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"panics","id":1}`))
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected recovered panic to surface as internal error, got %+v", resp)
	}
}

func TestEchoReturnsParamsUnchanged(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"echo","params":{"a":1},"id":2}`))
	m := resp.Result.(map[string]any)
	if m["a"].(float64) != 1 {
		t.Fatalf("expected echoed params, got %v", resp.Result)
	}
}

func TestListMethodsIncludesBuiltins(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"list_methods","id":3}`))
	m := resp.Result.(map[string]any)
	if int(m["count"].(int)) < 5 {
		t.Fatalf("expected at least 5 builtin methods, got %v", m["count"])
	}
}

func TestCustomRPCErrorCodePassesThrough(t *testing.T) {
	d := newTestDispatcher()
	d.Register(Registration{
		Method: "badparams",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			return nil, &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: "missing field"}
		},
	})
	resp := d.Dispatch(context.Background(), HandlerEnv{}, []byte(`{"jsonrpc":"2.0","method":"badparams","id":1}`))
	if resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected %d, got %d", CodeInvalidParams, resp.Error.Code)
	}
	if resp.Error.Data != "missing field" {
		t.Fatalf("expected data to pass through opaque, got %v", resp.Error.Data)
	}
}
