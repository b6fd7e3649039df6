package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pimhq/pim/internal/keypool"
)

// KeysHandler exposes the key pool state.
type KeysHandler struct {
	pool   *keypool.Pool
	logger *slog.Logger
}

// NewKeysHandler creates the key status handler.
func NewKeysHandler(log *slog.Logger, pool *keypool.Pool) *KeysHandler {
	return &KeysHandler{
		pool:   pool,
		logger: log.With(slog.String("handler", "keys")),
	}
}

// Register mounts GET /keys/status.
func (h *KeysHandler) Register(e *echo.Echo) {
	e.GET("/keys/status", h.Status)
}

// Status returns a point-in-time snapshot of every key.
func (h *KeysHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"keys": h.pool.Snapshot(),
	})
}
