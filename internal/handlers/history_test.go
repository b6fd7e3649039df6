package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimhq/pim/internal/devices"
	"github.com/pimhq/pim/internal/history"
)

type stubThreadStore struct {
	turns   []history.Turn
	cleared []string
}

func (s *stubThreadStore) Recent(_ context.Context, _, threadKey string, _ int) ([]history.Turn, error) {
	return s.turns, nil
}

func (s *stubThreadStore) Clear(_ context.Context, _, threadKey string) error {
	s.cleared = append(s.cleared, threadKey)
	return nil
}

type stubDirectory struct {
	err error
}

func (s *stubDirectory) Get(_ context.Context, id string) (devices.Device, error) {
	if s.err != nil {
		return devices.Device{}, s.err
	}
	return devices.Device{ID: id}, nil
}

func newHistoryContext(t *testing.T, method, thread, deviceID string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, "/threads/"+thread+"/history", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("thread")
	c.SetParamValues(thread)
	if deviceID != "" {
		c.Set("user", &jwt.Token{Claims: &jwt.RegisteredClaims{Subject: deviceID}})
	}
	return c, rec
}

func TestHistoryHandlerList(t *testing.T) {
	store := &stubThreadStore{turns: []history.Turn{
		{Role: "user", Content: "you around?", CreatedAt: time.Now()},
	}}
	h := NewHistoryHandler(slog.Default(), store, &stubDirectory{})

	c, rec := newHistoryContext(t, http.MethodGet, "ana_k", "dev-1")
	require.NoError(t, h.List(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "you around?")
}

func TestHistoryHandlerClear(t *testing.T) {
	store := &stubThreadStore{}
	h := NewHistoryHandler(slog.Default(), store, &stubDirectory{})

	c, rec := newHistoryContext(t, http.MethodDelete, "ana_k", "dev-1")
	require.NoError(t, h.Clear(c))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ana_k"}, store.cleared)
}

func TestHistoryHandlerRejectsDeletedDevice(t *testing.T) {
	store := &stubThreadStore{}
	h := NewHistoryHandler(slog.Default(), store, &stubDirectory{err: devices.ErrNotFound})

	c, _ := newHistoryContext(t, http.MethodGet, "ana_k", "dev-gone")
	err := h.List(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Empty(t, store.cleared)
}

func TestHistoryHandlerRequiresToken(t *testing.T) {
	h := NewHistoryHandler(slog.Default(), &stubThreadStore{}, &stubDirectory{})

	c, _ := newHistoryContext(t, http.MethodGet, "ana_k", "")
	err := h.List(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}
