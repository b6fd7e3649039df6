package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pimhq/pim/internal/auth"
	"github.com/pimhq/pim/internal/devices"
	"github.com/pimhq/pim/internal/keypool"
	"github.com/pimhq/pim/internal/reply"
)

// Replier runs the reply pipeline for an authenticated device.
type Replier interface {
	Reply(ctx context.Context, deviceID string, req reply.Request) (reply.Response, error)
}

// DeviceSessions marks device activity. Touch returns
// devices.ErrNotFound when the device row was deleted.
type DeviceSessions interface {
	Touch(ctx context.Context, id string) error
}

// ReplyHandler serves POST /reply.
type ReplyHandler struct {
	service  Replier
	sessions DeviceSessions
	logger   *slog.Logger
}

// NewReplyHandler creates the reply handler.
func NewReplyHandler(log *slog.Logger, service Replier, sessions DeviceSessions) *ReplyHandler {
	return &ReplyHandler{
		service:  service,
		sessions: sessions,
		logger:   log.With(slog.String("handler", "reply")),
	}
}

// Register mounts POST /reply.
func (h *ReplyHandler) Register(e *echo.Echo) {
	e.POST("/reply", h.Reply)
}

// Reply generates an auto-reply for one inbound DM. 503 with
// Retry-After means every key in the pool is spent or cooling down.
func (h *ReplyHandler) Reply(c echo.Context) error {
	deviceID := auth.DeviceID(c)
	if deviceID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "device token required")
	}
	if h.sessions != nil {
		if err := h.sessions.Touch(c.Request().Context(), deviceID); err != nil {
			if errors.Is(err, devices.ErrNotFound) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown device")
			}
			// last_seen_at is bookkeeping; a db hiccup must not block the reply.
			h.logger.Warn("device touch failed", slog.String("device", deviceID), slog.Any("error", err))
		}
	}

	var req reply.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Sender) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sender is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	resp, err := h.service.Reply(c.Request().Context(), deviceID, req)
	if err != nil {
		var exhausted *keypool.ExhaustedError
		if errors.As(err, &exhausted) {
			if !exhausted.RetryAt.IsZero() {
				seconds := int(time.Until(exhausted.RetryAt).Seconds()) + 1
				if seconds < 1 {
					seconds = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			return echo.NewHTTPError(http.StatusServiceUnavailable, "all keys exhausted")
		}
		h.logger.Error("reply failed", slog.String("device", deviceID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "reply generation failed")
	}

	return c.JSON(http.StatusOK, resp)
}
