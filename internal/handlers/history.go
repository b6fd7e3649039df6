package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/pimhq/pim/internal/auth"
	"github.com/pimhq/pim/internal/devices"
	"github.com/pimhq/pim/internal/history"
)

// ThreadStore is the subset of the history service the routes need.
type ThreadStore interface {
	Recent(ctx context.Context, deviceID, threadKey string, limit int) ([]history.Turn, error)
	Clear(ctx context.Context, deviceID, threadKey string) error
}

// DeviceDirectory looks up paired devices so routes can reject tokens
// whose device row was deleted.
type DeviceDirectory interface {
	Get(ctx context.Context, id string) (devices.Device, error)
}

// HistoryHandler serves per-thread history for the authenticated device.
type HistoryHandler struct {
	store     ThreadStore
	directory DeviceDirectory
	logger    *slog.Logger
}

// NewHistoryHandler creates the history handler.
func NewHistoryHandler(log *slog.Logger, store ThreadStore, directory DeviceDirectory) *HistoryHandler {
	return &HistoryHandler{
		store:     store,
		directory: directory,
		logger:    log.With(slog.String("handler", "history")),
	}
}

// Register mounts the thread history routes.
func (h *HistoryHandler) Register(e *echo.Echo) {
	group := e.Group("/threads/:thread")
	group.GET("/history", h.List)
	group.DELETE("/history", h.Clear)
}

// authorize resolves the token subject to a live device row.
func (h *HistoryHandler) authorize(c echo.Context) (string, error) {
	deviceID := auth.DeviceID(c)
	if deviceID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "device token required")
	}
	if h.directory != nil {
		if _, err := h.directory.Get(c.Request().Context(), deviceID); err != nil {
			if errors.Is(err, devices.ErrNotFound) {
				return "", echo.NewHTTPError(http.StatusUnauthorized, "unknown device")
			}
			return "", echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return deviceID, nil
}

// List returns the most recent turns of a thread in chronological order.
func (h *HistoryHandler) List(c echo.Context) error {
	deviceID, err := h.authorize(c)
	if err != nil {
		return err
	}
	thread := strings.TrimSpace(c.Param("thread"))
	if thread == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread is required")
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	turns, err := h.store.Recent(c.Request().Context(), deviceID, thread, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, turns)
}

// Clear deletes every stored turn of a thread.
func (h *HistoryHandler) Clear(c echo.Context) error {
	deviceID, err := h.authorize(c)
	if err != nil {
		return err
	}
	thread := strings.TrimSpace(c.Param("thread"))
	if thread == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread is required")
	}

	if err := h.store.Clear(c.Request().Context(), deviceID, thread); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
