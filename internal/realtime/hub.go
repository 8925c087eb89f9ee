package realtime

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Hub counts open realtime connections per identity. A browser may hold
// several tabs; presence only goes offline when the last one closes.
type Hub struct {
	logger           *slog.Logger
	onLastDisconnect func(ctx context.Context, identity string)

	mu    sync.Mutex
	conns map[string]int
}

// NewHub returns an empty hub. onLastDisconnect may be nil.
func NewHub(logger *slog.Logger, onLastDisconnect func(ctx context.Context, identity string)) *Hub {
	return &Hub{
		logger:           logger,
		onLastDisconnect: onLastDisconnect,
		conns:            make(map[string]int),
	}
}

// Connect records a new connection and returns the identity's open count.
func (h *Hub) Connect(identity string) int {
	h.mu.Lock()
	h.conns[identity]++
	n := h.conns[identity]
	h.mu.Unlock()

	h.logger.Debug("realtime connected", slog.String("user_id", identity), slog.Int("connections", n))
	return n
}

// Disconnect releases one connection. It reports whether it was the last,
// in which case onLastDisconnect has run before it returns.
func (h *Hub) Disconnect(ctx context.Context, identity string) bool {
	h.mu.Lock()
	n, ok := h.conns[identity]
	if !ok {
		h.mu.Unlock()
		return false
	}
	n--
	if n > 0 {
		h.conns[identity] = n
		h.mu.Unlock()
		return false
	}
	delete(h.conns, identity)
	h.mu.Unlock()

	h.logger.Debug("realtime last connection closed", slog.String("user_id", identity))
	if h.onLastDisconnect != nil {
		h.onLastDisconnect(ctx, identity)
	}
	return true
}

func (h *Hub) Count(identity string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[identity]
}

// Connected returns identities with at least one open connection, sorted.
func (h *Hub) Connected() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	slices.Sort(ids)
	return ids
}
