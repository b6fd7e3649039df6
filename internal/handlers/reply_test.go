package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimhq/pim/internal/devices"
	"github.com/pimhq/pim/internal/keypool"
	"github.com/pimhq/pim/internal/reply"
)

type stubReplier struct {
	gotDevice string
	gotReq    reply.Request
	resp      reply.Response
	err       error
}

func (s *stubReplier) Reply(_ context.Context, deviceID string, req reply.Request) (reply.Response, error) {
	s.gotDevice = deviceID
	s.gotReq = req
	return s.resp, s.err
}

type stubSessions struct {
	touched []string
	err     error
}

func (s *stubSessions) Touch(_ context.Context, id string) error {
	s.touched = append(s.touched, id)
	return s.err
}

func newReplyContext(t *testing.T, body string, deviceID string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/reply", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if deviceID != "" {
		c.Set("user", &jwt.Token{Claims: &jwt.RegisteredClaims{Subject: deviceID}})
	}
	return c, rec
}

func TestReplyHandlerSuccess(t *testing.T) {
	stub := &stubReplier{resp: reply.Response{Reply: "hey!", Model: "m", Key: "alpha"}}
	sessions := &stubSessions{}
	h := NewReplyHandler(slog.Default(), stub, sessions)

	c, rec := newReplyContext(t, `{"sender":"ana_k","text":"you around?"}`, "dev-1")
	require.NoError(t, h.Reply(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev-1", stub.gotDevice)
	assert.Equal(t, "ana_k", stub.gotReq.Sender)
	assert.Equal(t, []string{"dev-1"}, sessions.touched, "last seen recorded")
	assert.Contains(t, rec.Body.String(), `"reply":"hey!"`)
}

func TestReplyHandlerRequiresToken(t *testing.T) {
	h := NewReplyHandler(slog.Default(), &stubReplier{}, &stubSessions{})

	c, _ := newReplyContext(t, `{"sender":"ana_k","text":"hi"}`, "")
	err := h.Reply(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestReplyHandlerRejectsDeletedDevice(t *testing.T) {
	stub := &stubReplier{}
	h := NewReplyHandler(slog.Default(), stub, &stubSessions{err: devices.ErrNotFound})

	c, _ := newReplyContext(t, `{"sender":"ana_k","text":"hi"}`, "dev-gone")
	err := h.Reply(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Empty(t, stub.gotDevice, "pipeline never runs for a deleted device")
}

func TestReplyHandlerToleratesTouchOutage(t *testing.T) {
	stub := &stubReplier{resp: reply.Response{Reply: "hey!"}}
	h := NewReplyHandler(slog.Default(), stub, &stubSessions{err: errors.New("db down")})

	c, rec := newReplyContext(t, `{"sender":"ana_k","text":"hi"}`, "dev-1")
	require.NoError(t, h.Reply(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReplyHandlerValidation(t *testing.T) {
	h := NewReplyHandler(slog.Default(), &stubReplier{}, &stubSessions{})

	for _, body := range []string{`{"text":"hi"}`, `{"sender":"ana_k"}`} {
		c, _ := newReplyContext(t, body, "dev-1")
		err := h.Reply(c)

		var httpErr *echo.HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusBadRequest, httpErr.Code)
	}
}

func TestReplyHandlerExhaustedPool(t *testing.T) {
	stub := &stubReplier{err: &keypool.ExhaustedError{RetryAt: time.Now().Add(90 * time.Second)}}
	h := NewReplyHandler(slog.Default(), stub, &stubSessions{})

	c, rec := newReplyContext(t, `{"sender":"ana_k","text":"hi"}`, "dev-1")
	err := h.Reply(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Code)

	retryAfter := rec.Header().Get("Retry-After")
	require.NotEmpty(t, retryAfter)
}

func TestReplyHandlerProviderFailure(t *testing.T) {
	stub := &stubReplier{err: errors.New("all 3 attempts failed")}
	h := NewReplyHandler(slog.Default(), stub, &stubSessions{})

	c, _ := newReplyContext(t, `{"sender":"ana_k","text":"hi"}`, "dev-1")
	err := h.Reply(c)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.Code)
}
