package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/session"
)

// CookieName is the HttpOnly cookie holding the access token.
const CookieName = "token"

// contextKey is unexported so no other package can read or shadow our values.
type contextKey string

const sessionKey contextKey = "session"

// SessionLookup reports whether a session is still signed in.
// session.Coordinator implements it.
type SessionLookup interface {
	Lookup(sessionID string) (session.Session, error)
}

// RequireAuth rejects requests without a valid token for a live session.
//
// The token is read from the "token" cookie, or from an
// "Authorization: Bearer" header for non-browser clients. A token whose
// session has signed out is refused even before it expires.
func RequireAuth(tokens *TokenService, sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := authenticate(r, tokens, sessions)
			if err != nil {
				deny(w, http.StatusUnauthorized, `{"error":"unauthorized","message":"please sign in again"}`)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the session stored by RequireAuth.
func SessionFromContext(ctx context.Context) (session.Session, bool) {
	s, ok := ctx.Value(sessionKey).(session.Session)
	return s, ok && s.ID != ""
}

// IdentityFromContext returns the authenticated identity.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	s, ok := SessionFromContext(ctx)
	if !ok {
		return model.Identity{}, false
	}
	return s.Identity, true
}

// UserIDFromContext returns ("", false) for anonymous requests.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	return id.ID, ok && id.ID != ""
}

// WithSession is used by tests of handlers behind RequireAuth.
func WithSession(ctx context.Context, s session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func authenticate(r *http.Request, tokens *TokenService, sessions SessionLookup) (session.Session, error) {
	raw := bearerToken(r)
	if raw == "" {
		cookie, err := r.Cookie(CookieName)
		if err != nil {
			return session.Session{}, err
		}
		raw = cookie.Value
	}

	claims, err := tokens.Validate(raw)
	if err != nil {
		return session.Session{}, err
	}
	s, err := sessions.Lookup(claims.SessionID)
	if err != nil {
		return session.Session{}, err
	}
	if s.Identity.ID != claims.UserID {
		return session.Session{}, errTokenMismatch
	}
	return s, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
