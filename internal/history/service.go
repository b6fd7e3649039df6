// Package history stores bounded per-thread conversation turns.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pimhq/pim/internal/db"
)

const defaultRecentLimit = 50

// Service reads and writes thread turns. Appends trim the thread to the
// configured cap, oldest turns first.
type Service struct {
	pool     *pgxpool.Pool
	maxTurns int
	logger   *slog.Logger
}

// NewService creates a history service with the given per-thread cap.
func NewService(log *slog.Logger, pool *pgxpool.Pool, maxTurns int) *Service {
	if log == nil {
		log = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = defaultRecentLimit
	}
	return &Service{
		pool:     pool,
		maxTurns: maxTurns,
		logger:   log.With(slog.String("service", "history")),
	}
}

// Append inserts a turn and drops turns beyond the per-thread cap.
func (s *Service) Append(ctx context.Context, deviceID, threadKey, role, content string) (Turn, error) {
	pgDeviceID, err := db.ParseUUID(deviceID)
	if err != nil {
		return Turn{}, err
	}
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return Turn{}, fmt.Errorf("thread key is required")
	}
	if role != "user" && role != "assistant" {
		return Turn{}, fmt.Errorf("invalid role: %s", role)
	}
	if strings.TrimSpace(content) == "" {
		return Turn{}, fmt.Errorf("content is required")
	}

	var (
		id        pgtype.UUID
		createdAt pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx,
		`INSERT INTO turns (device_id, thread_key, role, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		pgDeviceID, threadKey, role, content,
	).Scan(&id, &createdAt)
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM turns
		 WHERE device_id = $1 AND thread_key = $2 AND id NOT IN (
		     SELECT id FROM turns
		     WHERE device_id = $1 AND thread_key = $2
		     ORDER BY created_at DESC, id DESC
		     LIMIT $3
		 )`,
		pgDeviceID, threadKey, s.maxTurns,
	); err != nil {
		return Turn{}, fmt.Errorf("trim thread: %w", err)
	}

	return Turn{
		ID:        db.UUIDString(id),
		DeviceID:  deviceID,
		ThreadKey: threadKey,
		Role:      role,
		Content:   content,
		CreatedAt: db.TimeFromPg(createdAt),
	}, nil
}

// Recent returns the last limit turns of a thread in chronological order.
func (s *Service) Recent(ctx context.Context, deviceID, threadKey string, limit int) ([]Turn, error) {
	pgDeviceID, err := db.ParseUUID(deviceID)
	if err != nil {
		return nil, err
	}
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return nil, fmt.Errorf("thread key is required")
	}
	if limit <= 0 || limit > s.maxTurns {
		limit = s.maxTurns
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, created_at FROM (
		     SELECT id, role, content, created_at FROM turns
		     WHERE device_id = $1 AND thread_key = $2
		     ORDER BY created_at DESC, id DESC
		     LIMIT $3
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		pgDeviceID, threadKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	turns := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			id        pgtype.UUID
			role      string
			content   string
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &role, &content, &createdAt); err != nil {
			return nil, err
		}
		turns = append(turns, Turn{
			ID:        db.UUIDString(id),
			DeviceID:  deviceID,
			ThreadKey: threadKey,
			Role:      role,
			Content:   content,
			CreatedAt: db.TimeFromPg(createdAt),
		})
	}
	return turns, rows.Err()
}

// Clear deletes every turn of a thread.
func (s *Service) Clear(ctx context.Context, deviceID, threadKey string) error {
	pgDeviceID, err := db.ParseUUID(deviceID)
	if err != nil {
		return err
	}
	threadKey = strings.TrimSpace(threadKey)
	if threadKey == "" {
		return fmt.Errorf("thread key is required")
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM turns WHERE device_id = $1 AND thread_key = $2`,
		pgDeviceID, threadKey,
	)
	return err
}

// Purge deletes turns in threads whose newest turn is older than cutoff
// and returns the number of rows removed.
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM turns t
		 WHERE NOT EXISTS (
		     SELECT 1 FROM turns newer
		     WHERE newer.device_id = t.device_id
		       AND newer.thread_key = t.thread_key
		       AND newer.created_at >= $1
		 )`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge stale threads: %w", err)
	}
	return tag.RowsAffected(), nil
}
