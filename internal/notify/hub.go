// Package notify fans out render-cache lifecycle events to clients that
// have asked to watch a render session. It implements
// rendercache.Publisher directly, so every subscriber receives typed
// rendercache.Event values instead of a generic pub/sub envelope, and it
// tracks each subscription by originating client so a connection that
// disconnects without explicitly unsubscribing can still be unwound.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"voxeld/internal/rendercache"
)

// Subscription is one client's interest in a render session's cache
// events. Events delivers rendercache.Event values in publish order;
// a subscriber whose buffer is full is skipped rather than blocked.
type Subscription struct {
	SessionID string
	ClientID  uint64
	Events    chan rendercache.Event
}

// Hub fans out rendercache.Event values to every Subscription registered
// against the event's session.
type Hub struct {
	mu sync.RWMutex

	bySession map[string]map[*Subscription]struct{}
	byClient  map[uint64]map[*Subscription]struct{}
	lastEvent map[string]rendercache.Event

	log *zap.Logger
}

var _ rendercache.Publisher = (*Hub)(nil)

// New builds an empty Hub.
func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		bySession: make(map[string]map[*Subscription]struct{}),
		byClient:  make(map[uint64]map[*Subscription]struct{}),
		lastEvent: make(map[string]rendercache.Event),
		log:       log,
	}
}

// Subscribe registers clientID's interest in sessionID. If the session
// already has a last known event — a render that landed in cache before
// this subscribe call arrived — it is replayed immediately so the
// subscriber doesn't have to wait for the next cache mutation to learn
// where the session currently stands.
func (h *Hub) Subscribe(sessionID string, clientID uint64) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		ClientID:  clientID,
		Events:    make(chan rendercache.Event, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[*Subscription]struct{})
	}
	h.bySession[sessionID][sub] = struct{}{}

	if h.byClient[clientID] == nil {
		h.byClient[clientID] = make(map[*Subscription]struct{})
	}
	h.byClient[clientID][sub] = struct{}{}

	if last, ok := h.lastEvent[sessionID]; ok {
		sub.Events <- last
	}
	return sub
}

// Unsubscribe removes sub and closes its Events channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// UnsubscribeClient removes every subscription clientID holds, across
// every session. internal/transport calls this from its connection-close
// hook so a client that disconnects without calling an "unsubscribe" RPC
// never leaks a subscription or the goroutine draining it.
func (h *Hub) UnsubscribeClient(clientID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.byClient[clientID] {
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	subs := h.bySession[sub.SessionID]
	if subs == nil {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.bySession, sub.SessionID)
	}

	if clientSubs := h.byClient[sub.ClientID]; clientSubs != nil {
		delete(clientSubs, sub)
		if len(clientSubs) == 0 {
			delete(h.byClient, sub.ClientID)
		}
	}

	close(sub.Events)
}

// Publish implements rendercache.Publisher. payload must be the
// rendercache.Event the cache constructed for this mutation; channel is
// the render session id and kind is one of "created", "expired",
// "evicted". The most recent event per session is retained so a
// subscriber that arrives after the fact still learns the session's
// current state on Subscribe.
func (h *Hub) Publish(channel, kind string, payload any) {
	evt, ok := payload.(rendercache.Event)
	if !ok {
		h.log.Warn("notify: publish called with non-Event payload", zap.String("kind", kind))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastEvent[channel] = evt
	for sub := range h.bySession[channel] {
		select {
		case sub.Events <- evt:
		default:
			// subscriber is behind; drop rather than block the cache.
		}
	}
}

// SubscriberCount reports how many subscriptions a session currently
// has, for tests.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}
