// Package realtime maintains the push connection to the backend and routes
// its events to registered handlers. Handlers run synchronously on the read
// loop so merges complete before the next event is parsed.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event names pushed by the backend.
const (
	EventInboxMessage   = "inbox-message"
	EventThreadUpdated  = "inbox-thread-updated"
	EventTakeoverChange = "inbox-takeover-changed"
	EventPairingCode    = "pairing-code"
)

// Handler receives the raw payload of one event.
type Handler func(payload json.RawMessage)

// Router fans events out to handlers keyed by (event, subscriber id).
// Registering the same id twice replaces the previous handler, so re-running
// a setup path never double-subscribes.
type Router struct {
	mu          sync.Mutex
	handlers    map[string]map[string]Handler
	pairingCode string
	logger      *slog.Logger
}

// NewRouter creates an empty event router.
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		handlers: make(map[string]map[string]Handler),
		logger:   log.With(slog.String("component", "realtime_router")),
	}
}

// On registers a handler for an event under a subscriber id. For the
// pairing-code event, a cached code is replayed immediately so late
// subscribers do not miss the one-shot payload.
func (r *Router) On(event, id string, handler Handler) {
	if event == "" || id == "" || handler == nil {
		return
	}
	r.mu.Lock()
	byID, ok := r.handlers[event]
	if !ok {
		byID = make(map[string]Handler)
		r.handlers[event] = byID
	}
	byID[id] = handler
	cached := r.pairingCode
	r.mu.Unlock()

	if event == EventPairingCode && cached != "" {
		encoded, err := json.Marshal(cached)
		if err == nil {
			handler(encoded)
		}
	}
}

// Off removes the handler registered under the subscriber id.
func (r *Router) Off(event, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.handlers[event]
	if !ok {
		return
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(r.handlers, event)
	}
}

// Dispatch invokes every handler registered for the event, synchronously and
// in no particular order. Events with no subscriber are dropped, except the
// pairing code which is cached for replay.
func (r *Router) Dispatch(event string, payload json.RawMessage) {
	r.mu.Lock()
	if event == EventPairingCode {
		if code := ExtractString(payload); code != "" {
			r.pairingCode = code
		}
	}
	byID := r.handlers[event]
	snapshot := make([]Handler, 0, len(byID))
	for _, handler := range byID {
		snapshot = append(snapshot, handler)
	}
	r.mu.Unlock()

	if len(snapshot) == 0 && event != EventPairingCode {
		r.logger.Debug("event dropped, no subscriber", slog.String("event", event))
		return
	}
	for _, handler := range snapshot {
		handler(payload)
	}
}

// SeedPairingCode primes the cache with a code fetched out of band, typically
// during cold start before the socket has delivered one.
func (r *Router) SeedPairingCode(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	r.pairingCode = code
	r.mu.Unlock()
}

// PairingCode returns the last pairing code seen, if any.
func (r *Router) PairingCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pairingCode
}

// ClearPairingCode drops the cached code, used once the channel is linked.
func (r *Router) ClearPairingCode() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairingCode = ""
}
