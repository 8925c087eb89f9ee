package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/cosmicfire/internal/apperror"
	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/session"
)

// stateCookie pins the OAuth state to the browser that started the flow.
const stateCookie = "oauth_state"

// Sessions is the part of session.Coordinator the HTTP layer drives.
type Sessions interface {
	Begin(provider string, r session.Redirector) (session.Session, string)
	Complete(ctx context.Context, sessionID string, identity model.Identity) (*model.Profile, error)
	SignOut(ctx context.Context, sessionID string) error
	Touch(ctx context.Context, sessionID string) error
}

type ProfileReader interface {
	Get(ctx context.Context, id string) (*model.Profile, error)
}

// AuthHandler runs the OAuth sign-in flow and the session endpoints.
//
//   - HandleLogin     → open a session, redirect to the provider
//   - HandleCallback  → exchange the code, complete the session, set the JWT
//   - HandleLogout    → sign out (offline first), clear the cookie
//   - HandleMe        → current profile
//   - HandleHeartbeat → keep the profile online
type AuthHandler struct {
	providers    map[string]auth.Provider
	sessions     Sessions
	tokens       *auth.TokenService
	profiles     ProfileReader
	secureCookie bool
	logger       *slog.Logger
}

func NewAuthHandler(
	providers []auth.Provider,
	sessions Sessions,
	tokens *auth.TokenService,
	profiles ProfileReader,
	secureCookie bool,
	logger *slog.Logger,
) *AuthHandler {
	byName := make(map[string]auth.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &AuthHandler{
		providers:    byName,
		sessions:     sessions,
		tokens:       tokens,
		profiles:     profiles,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// HandleLogin redirects to the provider's consent page.
//
// HTTP: GET /auth/{provider}/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	p, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, apperror.NotFound("identity provider", chi.URLParam(r, "provider")))
		return
	}

	s, url := h.sessions.Begin(p.Name(), p)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    s.ID,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// HandleCallback completes sign-in.
//
// HTTP: GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		writeError(w, apperror.NotFound("identity provider", chi.URLParam(r, "provider")))
		return
	}

	cookie, err := r.Cookie(stateCookie)
	state := r.URL.Query().Get("state")
	if err != nil || cookie.Value == "" || cookie.Value != state {
		h.logger.Warn("auth callback: state mismatch", slog.String("provider", p.Name()))
		writeError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}
	// single use
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if denied := r.URL.Query().Get("error"); denied != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("error", denied))
		h.sessions.SignOut(r.Context(), state)
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	identity, err := p.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: exchange failed",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
		)
		h.sessions.SignOut(r.Context(), state)
		writeError(w, apperror.Unauthorized("sign-in failed, please try again"))
		return
	}

	if _, err := h.sessions.Complete(r.Context(), state, identity); err != nil {
		writeError(w, err)
		return
	}

	token, err := h.tokens.Generate(identity.ID, state)
	if err != nil {
		h.logger.Error("auth callback: token generation failed", slog.String("error", err.Error()))
		h.sessions.SignOut(r.Context(), state)
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.tokens.TTL() / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleLogout signs the session out. The profile goes offline before the
// session is invalidated.
//
// HTTP: POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if s, ok := auth.SessionFromContext(r.Context()); ok {
		if err := h.sessions.SignOut(r.Context(), s.ID); err != nil {
			writeError(w, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "signed out"})
}

// HandleMe returns the caller's profile.
//
// HTTP: GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("please sign in again"))
		return
	}

	p, err := h.profiles.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleHeartbeat refreshes the caller's presence.
//
// HTTP: POST /api/me/heartbeat
func (h *AuthHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("please sign in again"))
		return
	}
	if err := h.sessions.Touch(r.Context(), s.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
