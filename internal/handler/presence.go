package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/position"
)

type ProfileLister interface {
	List(ctx context.Context) ([]model.Profile, error)
	ListOnline(ctx context.Context) ([]model.Profile, error)
}

// PositionCaches hands out the position cache of a signed-in session.
type PositionCaches interface {
	Positions(sessionID string) (*position.Allocator, error)
}

type PresenceHandler struct {
	profiles  ProfileLister
	positions PositionCaches
	logger    *slog.Logger
}

func NewPresenceHandler(profiles ProfileLister, positions PositionCaches, logger *slog.Logger) *PresenceHandler {
	return &PresenceHandler{profiles: profiles, positions: positions, logger: logger}
}

// HandleUsers lists every profile, oldest first.
//
// HTTP: GET /api/users
func (h *PresenceHandler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.profiles.List(r.Context())
	if err != nil {
		writeError(w, apperror.Unavailable("user list", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": nonNil(users)})
}

// HandlePresence lists online profiles. A failing store yields an empty
// list rather than an error so the canvas keeps rendering.
//
// HTTP: GET /api/presence
func (h *PresenceHandler) HandlePresence(w http.ResponseWriter, r *http.Request) {
	online, err := h.profiles.ListOnline(r.Context())
	if err != nil {
		h.logger.Warn("presence list unavailable, serving empty list", slog.String("error", err.Error()))
		online = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": nonNil(online)})
}

// HandlePositions returns the coordinates of online identities from the
// caller's session cache.
//
// HTTP: GET /api/positions
func (h *PresenceHandler) HandlePositions(w http.ResponseWriter, r *http.Request) {
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
	positions, err := cache.GetAll(r.Context())
	if err != nil {
		writeError(w, apperror.Unavailable("positions", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
