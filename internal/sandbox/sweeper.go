package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically releases sandbox handles that have been idle past a
// TTL, so server-side expiry rarely races a live handle. It runs as a
// background cron job in serve mode.
type Sweeper struct {
	manager  *Manager
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration
	cron     *cron.Cron
}

const (
	defaultSweepTTL      = 15 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// NewSweeper creates an idle-handle sweeper. Zero ttl or interval select the
// defaults (15m idle TTL, 5m sweep interval).
func NewSweeper(manager *Manager, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = defaultSweepTTL
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		manager:  manager,
		logger:   logger,
		ttl:      ttl,
		interval: interval,
	}
}

// Start schedules the sweep job and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("@every "+s.interval.String(), func() {
		released := s.manager.ReleaseIdle(ctx, s.ttl)
		if released > 0 {
			s.logger.Info("idle sandboxes released",
				slog.Int("count", released),
				slog.Duration("ttl", s.ttl),
			)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sandbox sweeper started",
		slog.Duration("ttl", s.ttl),
		slog.Duration("interval", s.interval),
	)
	return nil
}

// Stop halts the cron scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
