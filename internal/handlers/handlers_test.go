package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"voxeld/internal/engine"
	"voxeld/internal/notify"
	"voxeld/internal/rendercache"
	"voxeld/internal/rpc"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []any
}

func (n *recordingNotifier) DeliverNotification(clientID uint64, method string, params any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, params)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

func TestRenderHandlerRegistersArtifact(t *testing.T) {
	dir := t.TempDir()
	cache := rendercache.New(rendercache.Options{Dir: dir, TTL: time.Hour})
	d := rpc.NewDispatcher()
	hub := notify.New(nil)
	Register(d, cache, hub, &recordingNotifier{})

	payload, _ := json.Marshal(map[string]any{
		"session_id":  "s1",
		"format":      "png",
		"data_base64": base64.StdEncoding.EncodeToString([]byte("hello")),
	})

	reg, ok := d.Lookup("render")
	if !ok {
		t.Fatalf("expected render method registered")
	}
	result, err := reg.Handler(context.Background(), rpc.HandlerEnv{ClientID: 1}, payload)
	if err != nil {
		t.Fatalf("render handler: %v", err)
	}
	m := result.(map[string]any)
	if m["file_path"] == "" {
		t.Fatalf("expected a file path, got %+v", m)
	}

	stats := cache.Stats()
	if stats.LiveCount != 1 {
		t.Fatalf("expected 1 live record, got %d", stats.LiveCount)
	}
}

func TestSubscribeRenderForwardsEvents(t *testing.T) {
	dir := t.TempDir()
	cache := rendercache.New(rendercache.Options{Dir: dir, TTL: time.Hour, Publisher: nil})
	d := rpc.NewDispatcher()
	hub := notify.New(nil)
	notifier := &recordingNotifier{}
	Register(d, cache, hub, notifier)

	reg, ok := d.Lookup("subscribe_render")
	if !ok {
		t.Fatalf("expected subscribe_render registered")
	}
	payload, _ := json.Marshal(map[string]any{"session_id": "s1"})
	_, err := reg.Handler(context.Background(), rpc.HandlerEnv{ClientID: 42}, payload)
	if err != nil {
		t.Fatalf("subscribe handler: %v", err)
	}

	hub.Publish("s1", "created", rendercache.Event{Kind: "created", Record: rendercache.Record{SessionID: "s1", FilePath: "/tmp/r.png"}})

	deadline := time.Now().Add(time.Second)
	for notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected 1 notification forwarded, got %d", notifier.count())
	}
}

func TestSubscribeRenderStopsAfterClientDisconnects(t *testing.T) {
	dir := t.TempDir()
	cache := rendercache.New(rendercache.Options{Dir: dir, TTL: time.Hour})
	d := rpc.NewDispatcher()
	hub := notify.New(nil)
	notifier := &recordingNotifier{}
	Register(d, cache, hub, notifier)

	reg, _ := d.Lookup("subscribe_render")
	payload, _ := json.Marshal(map[string]any{"session_id": "s1"})
	if _, err := reg.Handler(context.Background(), rpc.HandlerEnv{ClientID: 99}, payload); err != nil {
		t.Fatalf("subscribe handler: %v", err)
	}
	if hub.SubscriberCount("s1") != 1 {
		t.Fatalf("expected 1 subscriber before disconnect")
	}

	// Simulates transport.Server's OnClose hook firing for client 99.
	hub.UnsubscribeClient(99)

	if hub.SubscriberCount("s1") != 0 {
		t.Fatalf("expected subscription removed after client disconnect")
	}
}

func TestCacheStatsReportsEngineID(t *testing.T) {
	dir := t.TempDir()
	cache := rendercache.New(rendercache.Options{Dir: dir, TTL: time.Hour})
	d := rpc.NewDispatcher()
	Register(d, cache, notify.New(nil), &recordingNotifier{})

	reg, _ := d.Lookup("cache_stats")
	env := rpc.HandlerEnv{Engine: engine.NullContext{Name: "demo-project"}}
	result, err := reg.Handler(context.Background(), env, json.RawMessage("{}"))
	if err != nil {
		t.Fatalf("cache_stats handler: %v", err)
	}
	m := result.(map[string]any)
	if m["engine_id"] != "demo-project" {
		t.Fatalf("expected engine_id demo-project, got %+v", m)
	}
}

func TestRenderHandlerRejectsBadBase64(t *testing.T) {
	dir := t.TempDir()
	cache := rendercache.New(rendercache.Options{Dir: dir, TTL: time.Hour})
	d := rpc.NewDispatcher()
	Register(d, cache, notify.New(nil), &recordingNotifier{})

	reg, _ := d.Lookup("render")
	payload, _ := json.Marshal(map[string]any{"session_id": "s1", "format": "png", "data_base64": "not-base64!!"})
	_, err := reg.Handler(context.Background(), rpc.HandlerEnv{}, payload)
	rpcErr, ok := err.(*rpc.Error)
	if !ok || rpcErr.Code != rpc.CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %v", err)
	}
}
