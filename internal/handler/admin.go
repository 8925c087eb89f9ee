package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/presence"
)

type Sweeper interface {
	RunOnce(ctx context.Context) (presence.SweepResult, error)
}

type OfflineMarker interface {
	MarkOfflineByEmail(ctx context.Context, email string, now time.Time) (int64, error)
}

type Publisher interface {
	Publish(change model.Change)
}

// AdminHandler serves operator endpoints behind the service key.
type AdminHandler struct {
	sweeper   Sweeper
	profiles  OfflineMarker
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
}

func NewAdminHandler(sweeper Sweeper, profiles OfflineMarker, publisher Publisher, clk clock.Clock, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{sweeper: sweeper, profiles: profiles, publisher: publisher, clock: clk, logger: logger}
}

// HandleSweep runs one staleness sweep now.
//
// HTTP: POST /admin/sweep
func (h *AdminHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, apperror.Unavailable("sweep", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type offlineRequest struct {
	Email string `json:"email"`
}

// HandleMarkOffline flips a profile offline by email, for clients that
// closed without signing out.
//
// HTTP: POST /admin/users/offline
func (h *AdminHandler) HandleMarkOffline(w http.ResponseWriter, r *http.Request) {
	var req offlineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		writeError(w, apperror.ValidationFailed("email", "email is required"))
		return
	}

	n, err := h.profiles.MarkOfflineByEmail(r.Context(), email, h.clock.Now())
	if err != nil {
		writeError(w, apperror.Unavailable("offline mark", err))
		return
	}
	if n == 0 {
		writeError(w, apperror.NotFound("profile", email))
		return
	}

	h.logger.Info("profile marked offline by operator", slog.String("email", email))
	h.publisher.Publish(model.Change{Table: model.TableUserProfiles, Event: model.EventUpdate})
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}
