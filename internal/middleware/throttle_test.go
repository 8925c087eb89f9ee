package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestThrottleBurstThenReject(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	th := NewThrottle(1, 2, time.Minute, discardLogger())
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.1"))
	assert.False(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.2"), "limits are per IP")

	now = now.Add(time.Second)
	assert.True(t, th.Allow("10.0.0.1"), "one token refills per second")
}

func TestThrottlePrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	th := NewThrottle(5, 5, time.Minute, discardLogger())
	th.now = func() time.Time { return now }

	th.Allow("10.0.0.1")
	now = now.Add(30 * time.Second)
	th.Allow("10.0.0.2")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, th.Prune())
	assert.Equal(t, 0, th.Prune())
}

func TestThrottleHandler(t *testing.T) {
	th := NewThrottle(0.5, 1, time.Minute, discardLogger())
	h := th.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
		req.RemoteAddr = "192.0.2.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limited","message":"too many requests"}`, rec.Body.String())
}

func TestLoggerCapturesStatus(t *testing.T) {
	h := Logger(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}
