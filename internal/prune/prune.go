// Package prune enforces conversation-history retention on a schedule.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lunabot/luna/internal/config"
)

// Store deletes aged conversation events.
type Store interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service runs the retention job. A zero-day retention disables it.
type Service struct {
	cron     *cron.Cron
	store    Store
	days     int
	schedule string
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(log *slog.Logger, store Store, cfg config.RetentionConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@daily"
	}
	return &Service{
		cron:     cron.New(),
		store:    store,
		days:     cfg.Days,
		schedule: schedule,
		logger:   log.With(slog.String("service", "prune")),
		now:      time.Now,
	}
}

// Start schedules the job and begins the cron loop.
func (s *Service) Start() error {
	if s.days <= 0 {
		s.logger.Info("history retention disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule retention job: %w", err)
	}
	s.cron.Start()
	s.logger.Info("history retention scheduled",
		slog.String("schedule", s.schedule), slog.Int("days", s.days))
	return nil
}

// Stop halts the cron loop, waiting for a running job bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("prune stop: %w", ctx.Err())
	}
}

// RunOnce deletes everything older than the retention cutoff.
func (s *Service) RunOnce(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.days)
	removed, err := s.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention prune failed", slog.Any("error", err))
		return
	}
	if removed > 0 {
		s.logger.Info("pruned conversation events",
			slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
	}
}
