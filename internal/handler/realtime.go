package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/realtime"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	readLimit    = 1 << 10
	sendBuffer   = 64
)

// RealtimeHandler streams presence, highlight, message and position events
// over a WebSocket. Each connection gets its own observer; the hub tracks how
// many connections an identity has open.
type RealtimeHandler struct {
	upgrader  websocket.Upgrader
	hub       *realtime.Hub
	feed      realtime.Subscriber
	profiles  realtime.ProfileSource
	messages  realtime.MessageSource
	positions PositionCaches
	clock     clock.Clock
	cfg       realtime.ObserverConfig
	logger    *slog.Logger
}

func NewRealtimeHandler(
	hub *realtime.Hub,
	feed realtime.Subscriber,
	profiles realtime.ProfileSource,
	messages realtime.MessageSource,
	positions PositionCaches,
	clk clock.Clock,
	cfg realtime.ObserverConfig,
	logger *slog.Logger,
) *RealtimeHandler {
	return &RealtimeHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		hub:       hub,
		feed:      feed,
		profiles:  profiles,
		messages:  messages,
		positions: positions,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// HandleRealtime upgrades the request and blocks until the client goes away.
//
// HTTP: GET /api/realtime
func (h *RealtimeHandler) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	s, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("please sign in again"))
		return
	}
	cache, err := h.positions.Positions(s.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	userID := s.Identity.ID
	h.hub.Connect(userID)

	ctx, cancel := context.WithCancel(r.Context())
	out := make(chan realtime.Event, sendBuffer)
	emit := func(e realtime.Event) {
		select {
		case out <- e:
		default:
			h.logger.Warn("realtime client too slow, closing", slog.String("user_id", userID))
			cancel()
		}
	}
	obs := realtime.NewObserver(userID, h.profiles, h.messages, cache, h.feed, h.clock, h.cfg, emit, h.logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		obs.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		h.writePump(ctx, cancel, conn, out)
	}()

	h.readPump(conn)
	cancel()
	wg.Wait()
	conn.Close()

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	h.hub.Disconnect(dctx, userID)
}

// readPump discards client frames; it exists to process pongs and notice the
// connection closing.
func (h *RealtimeHandler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (h *RealtimeHandler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan realtime.Event) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			// unblock readPump if the close handshake never completes
			conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		case e := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				cancel()
				conn.SetReadDeadline(time.Now())
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				conn.SetReadDeadline(time.Now())
				return
			}
		}
	}
}
