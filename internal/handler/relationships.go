package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/graph"
)

type RelationshipHandler struct {
	graph  *graph.Service
	logger *slog.Logger
}

func NewRelationshipHandler(g *graph.Service, logger *slog.Logger) *RelationshipHandler {
	return &RelationshipHandler{graph: g, logger: logger}
}

// pair returns (caller, target) for routes under /api/users/{id}.
func pair(r *http.Request) (string, string, error) {
	me, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return "", "", apperror.Unauthorized("please sign in again")
	}
	target := chi.URLParam(r, "id")
	if target == "" {
		return "", "", apperror.ValidationFailed("id", "user id is required")
	}
	return me, target, nil
}

// HandleStatus reports how the caller relates to {id}.
//
// HTTP: GET /api/users/{id}/relationship
func (h *RelationshipHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	me, target, err := pair(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := h.graph.Status(r.Context(), me, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": target, "status": status})
}

func (h *RelationshipHandler) mutate(op func(ctx context.Context, a, b string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, target, err := pair(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := op(r.Context(), me, target); err != nil {
			writeError(w, err)
			return
		}
		status, err := h.graph.Status(r.Context(), me, target)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"userId": target, "status": status})
	}
}

// HTTP: POST /api/users/{id}/follow
func (h *RelationshipHandler) HandleFollow(w http.ResponseWriter, r *http.Request) {
	h.mutate(h.graph.Follow)(w, r)
}

// HTTP: DELETE /api/users/{id}/follow
func (h *RelationshipHandler) HandleUnfollow(w http.ResponseWriter, r *http.Request) {
	h.mutate(h.graph.Unfollow)(w, r)
}

// HTTP: POST /api/users/{id}/block
func (h *RelationshipHandler) HandleBlock(w http.ResponseWriter, r *http.Request) {
	h.mutate(h.graph.Block)(w, r)
}

// HTTP: DELETE /api/users/{id}/block
func (h *RelationshipHandler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	h.mutate(h.graph.Unblock)(w, r)
}

func (h *RelationshipHandler) list(key string, derive func(graph.Connections) []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "id")
		conns, err := h.graph.Load(r.Context(), user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{key: nonNil(derive(conns))})
	}
}

// HTTP: GET /api/users/{id}/followers
func (h *RelationshipHandler) HandleFollowers(w http.ResponseWriter, r *http.Request) {
	h.list("followers", graph.Followers)(w, r)
}

// HTTP: GET /api/users/{id}/following
func (h *RelationshipHandler) HandleFollowing(w http.ResponseWriter, r *http.Request) {
	h.list("following", graph.Following)(w, r)
}

// HTTP: GET /api/users/{id}/friends
func (h *RelationshipHandler) HandleFriends(w http.ResponseWriter, r *http.Request) {
	h.list("friends", graph.Friends)(w, r)
}
