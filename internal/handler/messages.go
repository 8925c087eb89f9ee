package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/messaging"
)

type MessageHandler struct {
	channel *messaging.Channel
	logger  *slog.Logger
}

func NewMessageHandler(channel *messaging.Channel, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{channel: channel, logger: logger}
}

type sendRequest struct {
	Content string `json:"content"`
}

// HandleSend posts a chat message.
//
// HTTP: POST /api/messages
// 201 with the stored message, 400 for empty or oversized content, 429 with
// Retry-After while the sender is cooling down.
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("please sign in again"))
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.channel.Send(r.Context(), identity, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// HandleHistory returns the caller's own messages, newest first.
//
// HTTP: GET /api/messages/history?limit=
func (h *MessageHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("please sign in again"))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := h.channel.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

// HandleRecent returns the global feed, newest first.
//
// HTTP: GET /api/messages/recent?limit=
func (h *MessageHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := h.channel.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}
