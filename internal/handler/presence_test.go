package handler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/cosmicfire/internal/handler"
	"github.com/sakif/cosmicfire/internal/model"
	"github.com/sakif/cosmicfire/internal/position"
)

type failingProfiles struct{}

func (failingProfiles) List(context.Context) ([]model.Profile, error) {
	return nil, errors.New("database is locked")
}

func (failingProfiles) ListOnline(context.Context) ([]model.Profile, error) {
	return nil, errors.New("database is locked")
}

type noCaches struct{}

func (noCaches) Positions(string) (*position.Allocator, error) { return nil, errors.New("unused") }

func TestPresenceHandler_StoreFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewPresenceHandler(failingProfiles{}, noCaches{}, logger)

	t.Run("presence falls back to empty list", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.HandlePresence(rr, httptest.NewRequest(http.MethodGet, "/api/presence", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"online":[]}`, rr.Body.String())
	})

	t.Run("user list reports unavailable", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.HandleUsers(rr, httptest.NewRequest(http.MethodGet, "/api/users", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("positions without a session", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.HandlePositions(rr, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
