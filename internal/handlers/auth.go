package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pimhq/pim/internal/auth"
	"github.com/pimhq/pim/internal/config"
	"github.com/pimhq/pim/internal/devices"
)

// DeviceRegistrar registers newly paired devices.
type DeviceRegistrar interface {
	Register(ctx context.Context, name string) (devices.Device, error)
}

// AuthHandler pairs devices against the configured pairing code and
// issues JWTs.
type AuthHandler struct {
	registrar DeviceRegistrar
	cfg       config.AuthConfig
	expiresIn time.Duration
	logger    *slog.Logger
}

// NewAuthHandler creates the pairing handler.
func NewAuthHandler(log *slog.Logger, registrar DeviceRegistrar, cfg config.AuthConfig) *AuthHandler {
	expiresIn, err := time.ParseDuration(cfg.JWTExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &AuthHandler{
		registrar: registrar,
		cfg:       cfg,
		expiresIn: expiresIn,
		logger:    log.With(slog.String("handler", "auth")),
	}
}

// Register mounts POST /auth/pair.
func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/pair", h.Pair)
}

type pairRequest struct {
	DeviceName  string `json:"device_name"`
	PairingCode string `json:"pairing_code"`
}

type pairResponse struct {
	DeviceID  string `json:"device_id"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Pair validates the pairing code, registers the device, and returns a token.
func (h *AuthHandler) Pair(c echo.Context) error {
	var req pairRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.DeviceName) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_name is required")
	}
	if err := auth.CheckPairingCode(h.cfg.PairingCodeHash, req.PairingCode); err != nil {
		h.logger.Warn("pairing rejected", slog.String("device_name", req.DeviceName))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid pairing code")
	}

	device, err := h.registrar.Register(c.Request().Context(), req.DeviceName)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	token, err := auth.IssueToken(h.cfg.JWTSecret, device.ID, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.logger.Info("device paired", slog.String("device", device.ID), slog.String("name", device.Name))
	return c.JSON(http.StatusCreated, pairResponse{
		DeviceID:  device.ID,
		Token:     token,
		ExpiresIn: int64(h.expiresIn.Seconds()),
	})
}
