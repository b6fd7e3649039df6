// Package devices manages paired client devices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pimhq/pim/internal/db"
)

// ErrNotFound is returned when a device id has no row.
var ErrNotFound = errors.New("device not found")

// Device is a paired client.
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// Service reads and writes device rows.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a device service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "devices")),
	}
}

// Register inserts a device row and returns it.
func (s *Service) Register(ctx context.Context, name string) (Device, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Device{}, fmt.Errorf("device name is required")
	}

	var (
		id        pgtype.UUID
		createdAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx,
		`INSERT INTO devices (name) VALUES ($1) RETURNING id, created_at`,
		name,
	).Scan(&id, &createdAt)
	if err != nil {
		return Device{}, fmt.Errorf("register device: %w", err)
	}

	s.logger.Info("device registered", slog.String("device", db.UUIDString(id)), slog.String("name", name))
	return Device{
		ID:        db.UUIDString(id),
		Name:      name,
		CreatedAt: db.TimeFromPg(createdAt),
	}, nil
}

// Get returns the device with the given id.
func (s *Service) Get(ctx context.Context, id string) (Device, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Device{}, err
	}

	var (
		name       string
		createdAt  pgtype.Timestamptz
		lastSeenAt pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx,
		`SELECT name, created_at, last_seen_at FROM devices WHERE id = $1`,
		pgID,
	).Scan(&name, &createdAt, &lastSeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("get device: %w", err)
	}

	return Device{
		ID:         id,
		Name:       name,
		CreatedAt:  db.TimeFromPg(createdAt),
		LastSeenAt: db.TimeFromPg(lastSeenAt),
	}, nil
}

// Touch records device activity. Returns ErrNotFound when the row was
// deleted, so callers can reject the stale token.
func (s *Service) Touch(ctx context.Context, id string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_seen_at = now() WHERE id = $1`,
		pgID,
	)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
