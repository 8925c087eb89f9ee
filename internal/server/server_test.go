package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/cosmicfire/internal/auth"
	"github.com/sakif/cosmicfire/internal/clock"
	"github.com/sakif/cosmicfire/internal/config"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/realtime"
	sqliteRepo "github.com/sakif/cosmicfire/internal/repository/sqlite"
	"github.com/sakif/cosmicfire/internal/server"
)

const opsKey = "ops-key-for-tests"

// fakeProvider maps OAuth codes straight to identities.
type fakeProvider struct {
	mu         sync.Mutex
	identities map[string]model.Identity
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) AuthURL(state string) string {
	return "https://idp.example/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (model.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.identities[code]
	if !ok {
		return model.Identity{}, fmt.Errorf("unknown code %q", code)
	}
	return id, nil
}

type testEnv struct {
	srv      *server.Server
	handler  http.Handler
	clock    *clock.Fake
	provider *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqliteRepo.New(":memory:")
	require.NoError(t, err)

	hash, err := auth.HashServiceKey(opsKey, bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = "test-secret-0123456789abcdef"
	cfg.Auth.ServiceKeyHash = hash
	cfg.Throttle.RequestsPerSecond = 1000
	cfg.Throttle.Burst = 1000

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	provider := &fakeProvider{identities: map[string]model.Identity{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.NewWithDeps(cfg, server.Deps{
		Store:     store,
		Providers: []auth.Provider{provider},
		Clock:     clk,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return &testEnv{srv: srv, handler: srv.Handler(), clock: clk, provider: provider}
}

// signIn walks the OAuth redirect flow and returns the issued token.
func (e *testEnv) signIn(t *testing.T, id model.Identity) string {
	t.Helper()
	code := "code-" + id.ID
	e.provider.mu.Lock()
	e.provider.identities[code] = id
	e.provider.mu.Unlock()

	rr := e.do(t, http.MethodGet, "/auth/fake/login", "", "")
	require.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	state := cookieValue(rr, "oauth_state")
	require.NotEmpty(t, state)
	assert.Contains(t, rr.Header().Get("Location"), url.QueryEscape(state))

	req := httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code="+code+"&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: state})
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())

	token := cookieValue(rr, auth.CookieName)
	require.NotEmpty(t, token)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func cookieValue(rr *httptest.ResponseRecorder, name string) string {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

var (
	alice = model.Identity{ID: "fake:alice", Email: "alice@example.com"}
	bob   = model.Identity{ID: "fake:bob", Email: "bob@example.com"}
)

// ====================================================================
// Health and auth
// ====================================================================

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestAPIRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/api/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodGet, "/api/me", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSignInFlow(t *testing.T) {
	e := newTestEnv(t)
	token := e.signIn(t, alice)

	rr := e.do(t, http.MethodGet, "/api/me", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	me := decode[model.Profile](t, rr)
	assert.Equal(t, alice.ID, me.ID)
	assert.Equal(t, alice.Email, me.Email)
	assert.True(t, me.Online)
	assert.Regexp(t, `^hsl\(\d+, 70%, 70%\)$`, me.Color)

	rr = e.do(t, http.MethodGet, "/api/messages/recent", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	recent := decode[struct{ Messages []model.ChatMessage }](t, rr)
	require.Len(t, recent.Messages, 1)
	assert.Equal(t, model.MessageTypeJoin, recent.Messages[0].Type)
	assert.Equal(t, "alice@example.com joined the chat", recent.Messages[0].Content)
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/auth/fake/login", "", "")
	state := cookieValue(rr, "oauth_state")

	req := httptest.NewRequest(http.MethodGet, "/auth/fake/callback?code=x&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: state})
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, cookieValue(rr, auth.CookieName))
}

func TestCallbackDeniedRedirects(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/auth/fake/login", "", "")
	state := cookieValue(rr, "oauth_state")

	req := httptest.NewRequest(http.MethodGet, "/auth/fake/callback?error=access_denied&state="+state, nil)
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: state})
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/?auth=denied", rr.Header().Get("Location"))
}

func TestUnknownProvider(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/auth/nope/login", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLogoutInvalidatesToken(t *testing.T) {
	e := newTestEnv(t)
	token := e.signIn(t, alice)

	rr := e.do(t, http.MethodPost, "/auth/logout", token, "")
	require.Equal(t, http.StatusOK, rr.Code)

	// token is still unexpired but its session is gone
	rr = e.do(t, http.MethodGet, "/api/me", token, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	other := e.signIn(t, bob)
	rr = e.do(t, http.MethodGet, "/api/presence", other, "")
	online := decode[struct{ Online []model.Profile }](t, rr)
	require.Len(t, online.Online, 1)
	assert.Equal(t, bob.ID, online.Online[0].ID)
}

func TestHeartbeat(t *testing.T) {
	e := newTestEnv(t)
	token := e.signIn(t, alice)

	rr := e.do(t, http.MethodPost, "/api/me/heartbeat", token, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

// ====================================================================
// Messaging
// ====================================================================

func TestSendMessageCooldown(t *testing.T) {
	e := newTestEnv(t)
	token := e.signIn(t, alice)

	rr := e.do(t, http.MethodPost, "/api/messages", token, `{"content":"  hello  "}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	msg := decode[model.ChatMessage](t, rr)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, alice.ID, msg.SenderID)
	assert.Equal(t, 5*time.Second, msg.VisibleUntil.Sub(msg.CreatedAt))

	e.clock.Advance(3 * time.Second)
	rr = e.do(t, http.MethodPost, "/api/messages", token, `{"content":"again"}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "5", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), `"rate_limited"`)

	e.clock.Advance(5 * time.Second)
	rr = e.do(t, http.MethodPost, "/api/messages", token, `{"content":"again"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = e.do(t, http.MethodGet, "/api/messages/history", token, "")
	require.Equal(t, http.StatusOK, rr.Code)
	history := decode[struct{ Messages []model.ChatMessage }](t, rr)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "again", history.Messages[0].Content)
	assert.Equal(t, "hello", history.Messages[1].Content)
}

func TestSendMessageValidation(t *testing.T) {
	e := newTestEnv(t)
	token := e.signIn(t, alice)

	tests := []struct {
		name string
		body string
	}{
		{"blank", `{"content":"   "}`},
		{"too long", `{"content":"` + strings.Repeat("x", 51) + `"}`},
		{"unknown field", `{"content":"hi","color":"red"}`},
		{"malformed", `{"content":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/api/messages", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), `"validation_error"`)
		})
	}

	// rejected sends do not start the cooldown
	rr := e.do(t, http.MethodPost, "/api/messages", token, `{"content":"ok"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestHistoryLimitValidation(t *testing.T) {
	e := newTestEnv(t)
	token := e.signIn(t, alice)
	rr := e.do(t, http.MethodGet, "/api/messages/recent?limit=-1", token, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// ====================================================================
// Presence and positions
// ====================================================================

func TestPresenceAndPositions(t *testing.T) {
	e := newTestEnv(t)
	ta := e.signIn(t, alice)
	e.signIn(t, bob)

	rr := e.do(t, http.MethodGet, "/api/users", ta, "")
	users := decode[struct{ Users []model.Profile }](t, rr)
	assert.Len(t, users.Users, 2)

	rr = e.do(t, http.MethodGet, "/api/positions", ta, "")
	require.Equal(t, http.StatusOK, rr.Code)
	pos := decode[struct{ Positions map[string]model.Coordinate }](t, rr)
	require.Len(t, pos.Positions, 2)
	for id, c := range pos.Positions {
		d := c.DistanceTo(model.Unassigned)
		assert.GreaterOrEqual(t, d, 20.0-1e-9, id)
		assert.LessOrEqual(t, d, 45.0+1e-9, id)
	}
}

// ====================================================================
// Relationships
// ====================================================================

func TestRelationships(t *testing.T) {
	e := newTestEnv(t)
	ta := e.signIn(t, alice)
	tb := e.signIn(t, bob)

	status := func(token, target string) string {
		rr := e.do(t, http.MethodGet, "/api/users/"+target+"/relationship", token, "")
		require.Equal(t, http.StatusOK, rr.Code)
		return decode[struct{ Status string }](t, rr).Status
	}

	assert.Equal(t, "self", status(ta, alice.ID))
	assert.Equal(t, "not_connected", status(ta, bob.ID))

	rr := e.do(t, http.MethodPost, "/api/users/"+bob.ID+"/follow", ta, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "following", decode[struct{ Status string }](t, rr).Status)
	assert.Equal(t, "followed_by", status(tb, alice.ID))

	rr = e.do(t, http.MethodPost, "/api/users/"+alice.ID+"/follow", tb, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "friends", status(ta, bob.ID))

	rr = e.do(t, http.MethodGet, "/api/users/"+alice.ID+"/friends", ta, "")
	friends := decode[struct{ Friends []string }](t, rr)
	assert.Equal(t, []string{bob.ID}, friends.Friends)

	// block removes follows both ways and forbids re-following
	rr = e.do(t, http.MethodPost, "/api/users/"+bob.ID+"/block", ta, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "blocked", status(ta, bob.ID))
	assert.Equal(t, "not_connected", status(tb, alice.ID))

	rr = e.do(t, http.MethodPost, "/api/users/"+alice.ID+"/follow", tb, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodGet, "/api/users/"+bob.ID+"/followers", ta, "")
	followers := decode[struct{ Followers []string }](t, rr)
	assert.Empty(t, followers.Followers)
	assert.NotNil(t, followers.Followers)

	rr = e.do(t, http.MethodDelete, "/api/users/"+bob.ID+"/block", ta, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = e.do(t, http.MethodPost, "/api/users/"+alice.ID+"/follow", tb, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestFollowUnknownUser(t *testing.T) {
	e := newTestEnv(t)
	ta := e.signIn(t, alice)
	rr := e.do(t, http.MethodPost, "/api/users/fake:nobody/follow", ta, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// ====================================================================
// Admin
// ====================================================================

func adminRequest(method, path, key, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set(auth.ServiceKeyHeader, key)
	}
	return req
}

func TestAdminRequiresServiceKey(t *testing.T) {
	e := newTestEnv(t)
	for _, key := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		e.handler.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/sweep", key, ""))
		assert.Equal(t, http.StatusForbidden, rr.Code, "key %q", key)
	}
}

func TestAdminMarkOffline(t *testing.T) {
	e := newTestEnv(t)
	ta := e.signIn(t, alice)

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users/offline", opsKey, `{"email":"ALICE@example.com"}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"updated":1}`, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/api/presence", ta, "")
	online := decode[struct{ Online []model.Profile }](t, rr)
	assert.Empty(t, online.Online)

	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/users/offline", opsKey, `{"email":"nobody@example.com"}`))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminSweep(t *testing.T) {
	e := newTestEnv(t)
	e.signIn(t, alice)

	e.clock.Advance(3 * time.Minute)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, adminRequest(http.MethodPost, "/admin/sweep", opsKey, ""))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"expired":1,"deleted":0}`, rr.Body.String())
}

// ====================================================================
// Realtime
// ====================================================================

func TestRealtimeStream(t *testing.T) {
	e := newTestEnv(t)
	ta := e.signIn(t, alice)

	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/realtime"
	header := http.Header{"Authorization": []string{"Bearer " + ta}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()

	next := func() realtime.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev realtime.Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	first := next()
	require.Equal(t, realtime.EventPresence, first.Type)
	require.Len(t, first.Online, 1)
	assert.Equal(t, alice.ID, first.Online[0].ID)

	rr := e.do(t, http.MethodPost, "/api/messages", ta, `{"content":"over the wire"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	for {
		ev := next()
		if ev.Type == realtime.EventMessage && ev.Message.Content == "over the wire" {
			break
		}
	}

	conn.Close()

	// closing the last connection marks the profile offline
	tb := e.signIn(t, bob)
	require.Eventually(t, func() bool {
		rr := e.do(t, http.MethodGet, "/api/presence", tb, "")
		var online struct{ Online []model.Profile }
		if err := json.NewDecoder(rr.Body).Decode(&online); err != nil {
			return false
		}
		for _, p := range online.Online {
			if p.ID == alice.ID {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRealtimeRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/realtime"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
