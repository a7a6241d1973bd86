// Package handlers implements the domain JSON-RPC methods that sit on
// top of the always-present built-ins: registering rendered artifacts
// in the render cache and subscribing a connection to a render
// session's cache events. The voxel engine itself, bulk-voxel queries,
// and color analysis are external collaborators reached only through
// the opaque engine.Context handed in via HandlerEnv.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"voxeld/internal/notify"
	"voxeld/internal/rendercache"
	"voxeld/internal/rpc"
)

// Notifier pushes a server-initiated JSON-RPC notification to a
// specific client connection. internal/transport.Server implements it.
type Notifier interface {
	DeliverNotification(clientID uint64, method string, params any)
}

type renderParams struct {
	SessionID string `json:"session_id"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	DataB64   string `json:"data_base64"`
}

type subscribeParams struct {
	SessionID string `json:"session_id"`
}

// Register installs the domain methods against d: "render" writes a new
// render artifact into cache, "subscribe_render" opens a server-push
// notification stream for a render session's cache events, and
// "cache_stats" reports the cache's live size and churn.
func Register(d *rpc.Dispatcher, cache *rendercache.Cache, hub *notify.Hub, notifier Notifier) {
	d.Register(rpc.Registration{
		Method:      "render",
		Description: "register a rendered artifact in the render cache",
		Handler:     renderHandler(cache),
	})
	d.Register(rpc.Registration{
		Method:      "subscribe_render",
		Description: "subscribe this connection to render-cache events for a session",
		Handler:     subscribeRenderHandler(hub, notifier),
	})
	d.Register(rpc.Registration{
		Method:      "cache_stats",
		Description: "report render cache live size and churn",
		Handler:     cacheStatsHandler(cache),
	})
}

func renderHandler(cache *rendercache.Cache) rpc.Handler {
	return func(ctx context.Context, env rpc.HandlerEnv, params json.RawMessage) (any, error) {
		var p renderParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "Invalid params"}
		}
		if p.Format == "" {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "Invalid params", Data: "format is required"}
		}

		data, err := base64.StdEncoding.DecodeString(p.DataB64)
		if err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "Invalid params", Data: "data_base64 is not valid base64"}
		}

		path := cache.NextPath(p.SessionID, p.Format)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("write render artifact: %w", err)
		}

		rec, err := cache.Register(rendercache.Record{
			FilePath:  path,
			SessionID: p.SessionID,
			Format:    p.Format,
			FileSize:  int64(len(data)),
			Width:     p.Width,
			Height:    p.Height,
		}, data)
		if err != nil {
			_ = os.Remove(path)
			return nil, fmt.Errorf("register render artifact: %w", err)
		}

		return map[string]any{
			"file_path":  rec.FilePath,
			"checksum":   rec.Checksum,
			"created_at": rec.CreatedAt.Unix(),
			"expires_at": rec.ExpiresAt.Unix(),
		}, nil
	}
}

// subscribeRenderHandler opens a render-event stream for this
// connection. The subscription is keyed by env.ClientID in the hub, so
// internal/transport's OnClose hook (wired to hub.UnsubscribeClient in
// cmd/voxeld) tears it down, and the forwarding goroutine below, when
// the owning connection closes without an explicit unsubscribe call.
func subscribeRenderHandler(hub *notify.Hub, notifier Notifier) rpc.Handler {
	return func(ctx context.Context, env rpc.HandlerEnv, params json.RawMessage) (any, error) {
		var p subscribeParams
		if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "Invalid params", Data: "session_id is required"}
		}

		sub := hub.Subscribe(p.SessionID, env.ClientID)
		go func() {
			for evt := range sub.Events {
				notifier.DeliverNotification(sub.ClientID, "render_event", map[string]any{
					"session_id": evt.Record.SessionID,
					"kind":       evt.Kind,
					"file_path":  evt.Record.FilePath,
					"at":         evt.Record.CreatedAt.Unix(),
				})
			}
		}()

		return map[string]any{"subscribed": true, "session_id": p.SessionID}, nil
	}
}

func cacheStatsHandler(cache *rendercache.Cache) rpc.Handler {
	return func(ctx context.Context, env rpc.HandlerEnv, params json.RawMessage) (any, error) {
		stats := cache.Stats()
		out := map[string]any{
			"live_count":      stats.LiveCount,
			"live_bytes":      stats.LiveBytes,
			"expired_evicted": stats.ExpiredEvicted,
			"size_evicted":    stats.SizeEvicted,
		}
		if env.Engine != nil {
			out["engine_id"] = env.Engine.ID()
		}
		return out, nil
	}
}
