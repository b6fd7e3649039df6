// Package schedule runs the cron maintenance jobs: stale-thread purge
// and daily key-usage snapshots.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/pimhq/pim/internal/config"
	"github.com/pimhq/pim/internal/history"
	"github.com/pimhq/pim/internal/keypool"
)

const jobTimeout = 2 * time.Minute

// Sweeper owns the cron scheduler and its jobs.
type Sweeper struct {
	cron          *cron.Cron
	parser        cron.Parser
	history       *history.Service
	keys          *keypool.Pool
	pool          *pgxpool.Pool
	cfg           config.SweepConfig
	retentionDays int
	logger        *slog.Logger
}

// NewSweeper builds the sweeper; call Start to schedule the jobs.
func NewSweeper(log *slog.Logger, cfg config.SweepConfig, historyService *history.Service, keys *keypool.Pool, pool *pgxpool.Pool, retentionDays int) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Sweeper{
		cron:          cron.New(cron.WithParser(parser)),
		parser:        parser,
		history:       historyService,
		keys:          keys,
		pool:          pool,
		cfg:           cfg,
		retentionDays: retentionDays,
		logger:        log.With(slog.String("service", "schedule")),
	}
}

// Start validates the cron patterns, registers the jobs, and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.parser.Parse(s.cfg.PurgeCron); err != nil {
		return fmt.Errorf("invalid purge cron pattern %q: %w", s.cfg.PurgeCron, err)
	}
	if _, err := s.parser.Parse(s.cfg.SnapshotCron); err != nil {
		return fmt.Errorf("invalid snapshot cron pattern %q: %w", s.cfg.SnapshotCron, err)
	}

	if _, err := s.cron.AddFunc(s.cfg.PurgeCron, s.runPurge); err != nil {
		return fmt.Errorf("schedule purge: %w", err)
	}
	if _, err := s.cron.AddFunc(s.cfg.SnapshotCron, s.runSnapshot); err != nil {
		return fmt.Errorf("schedule snapshot: %w", err)
	}

	s.cron.Start()
	s.logger.Info("sweeper started",
		slog.String("purge", s.cfg.PurgeCron),
		slog.String("snapshot", s.cfg.SnapshotCron),
	)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	removed, err := s.history.Purge(ctx, cutoff)
	if err != nil {
		s.logger.Error("thread purge failed", slog.Any("error", err))
		return
	}
	s.logger.Info("stale threads purged", slog.Int64("turns_removed", removed), slog.Time("cutoff", cutoff))
}

func (s *Sweeper) runSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := s.SnapshotUsage(ctx, time.Now()); err != nil {
		s.logger.Error("key usage snapshot failed", slog.Any("error", err))
	}
}

// SnapshotUsage upserts one key_usage row per key for the given day.
func (s *Sweeper) SnapshotUsage(ctx context.Context, now time.Time) error {
	day := now.UTC().Truncate(24 * time.Hour)
	for _, status := range s.keys.Snapshot() {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO key_usage (key_label, day, used, disabled)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (key_label, day)
			 DO UPDATE SET used = EXCLUDED.used, disabled = EXCLUDED.disabled`,
			status.Label, day, status.DayUsed, status.Disabled,
		)
		if err != nil {
			return fmt.Errorf("snapshot key %s: %w", status.Label, err)
		}
	}
	s.logger.Info("key usage snapshot written", slog.Time("day", day))
	return nil
}
