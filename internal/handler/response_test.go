package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/cosmicfire/internal/apperror"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"validation", apperror.ValidationFailed("content", "message cannot be empty"), http.StatusBadRequest, "validation_error"},
		{"unauthorized", apperror.Unauthorized("nope"), http.StatusUnauthorized, "unauthorized"},
		{"forbidden", apperror.Forbidden("nope"), http.StatusForbidden, "forbidden"},
		{"not found", apperror.NotFound("profile", "x"), http.StatusNotFound, "not_found"},
		{"conflict", apperror.Conflict("edge", "x"), http.StatusConflict, "conflict"},
		{"rate limited", apperror.RateLimited(2500 * time.Millisecond), http.StatusTooManyRequests, "rate_limited"},
		{"unavailable", apperror.Unavailable("messaging", errors.New("disk full")), http.StatusServiceUnavailable, "unavailable"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, tt.err)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Contains(t, rr.Body.String(), `"error":"`+tt.wantType+`"`)
		})
	}
}

func TestWriteErrorHidesInternals(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, apperror.Unavailable("messaging", errors.New("pq: password authentication failed")))
	assert.NotContains(t, rr.Body.String(), "password")

	rr = httptest.NewRecorder()
	writeError(rr, errors.New("secret detail"))
	assert.NotContains(t, rr.Body.String(), "secret detail")
}

func TestWriteErrorRetryAfterRoundsUp(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, apperror.RateLimited(2500*time.Millisecond))
	assert.Equal(t, "3", rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	writeError(rr, apperror.RateLimited(10*time.Millisecond))
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestDecodeJSONLimits(t *testing.T) {
	var dst sendRequest

	big := `{"content":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big))
	err := decodeJSON(httptest.NewRecorder(), req, &dst)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"hi"}`))
	assert.NoError(t, decodeJSON(httptest.NewRecorder(), req, &dst))
	assert.Equal(t, "hi", dst.Content)
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"?limit=10", 10, false},
		{"?limit=0", 0, true},
		{"?limit=abc", 0, true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
		got, err := queryLimit(req)
		if tt.wantErr {
			assert.Error(t, err, tt.query)
			continue
		}
		assert.NoError(t, err, tt.query)
		assert.Equal(t, tt.want, got, tt.query)
	}
}
