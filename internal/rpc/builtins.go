package rpc

import (
	"context"
	"encoding/json"
	"os"
	"time"
)

// StatusProvider supplies the live fields the "status" built-in reports.
// The daemon package implements this over its lifecycle supervisor.
type StatusProvider interface {
	State() string
	StartedAt() time.Time
}

// RegisterBuiltins installs the methods that are always present
// regardless of which domain handlers get registered: ping, version,
// status, list_methods, echo.
func RegisterBuiltins(d *Dispatcher, versionString string, status StatusProvider) {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	d.Register(Registration{
		Method:      "ping",
		Description: "liveness check",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			return map[string]any{
				"pong":      true,
				"timestamp": time.Now().Unix(),
			}, nil
		},
	})

	d.Register(Registration{
		Method:      "version",
		Description: "daemon and protocol version",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			return map[string]any{
				"version":  versionString,
				"type":     "voxeld",
				"protocol": Version,
			}, nil
		},
	})

	d.Register(Registration{
		Method:      "status",
		Description: "daemon health and uptime",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			uptime := 0.0
			state := "unknown"
			if status != nil {
				state = status.State()
				if started := status.StartedAt(); !started.IsZero() {
					uptime = time.Since(started).Seconds()
				}
			}
			return map[string]any{
				"status":            state,
				"pid":               pid,
				"current_time":      time.Now().Unix(),
				"hostname":          hostname,
				"uptime_seconds":    uptime,
				"methods_available": len(d.Methods()),
			}, nil
		},
	})

	d.Register(Registration{
		Method:      "list_methods",
		Description: "enumerate registered JSON-RPC methods",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			methods := d.Methods()
			type methodInfo struct {
				Method      string `json:"method"`
				Description string `json:"description"`
			}
			out := make([]methodInfo, 0, len(methods))
			for _, m := range methods {
				out = append(out, methodInfo{Method: m.Method, Description: m.Description})
			}
			return map[string]any{
				"count":   len(out),
				"methods": out,
			}, nil
		},
	})

	d.Register(Registration{
		Method:      "echo",
		Description: "return params unchanged",
		Handler: func(ctx context.Context, env HandlerEnv, params json.RawMessage) (any, error) {
			if len(params) == 0 {
				return nil, nil
			}
			var v any
			if err := json.Unmarshal(params, &v); err != nil {
				return nil, &Error{Code: CodeInvalidParams, Message: "Invalid params"}
			}
			return v, nil
		},
	})
}
