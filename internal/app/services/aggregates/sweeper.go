package aggregates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/pkg/logger"
)

// DefaultSweepSchedule runs the retention sweep shortly after midnight UTC.
const DefaultSweepSchedule = "15 0 * * *"

// Sweeper periodically deletes day records older than each user's retention
// window. It implements system.Service.
type Sweeper struct {
	service  *Service
	users    storage.UserStore
	settings SettingsResolver
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a retention sweeper on the given cron schedule.
func NewSweeper(service *Service, users storage.UserStore, resolver SettingsResolver, schedule string, log *logger.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if log == nil {
		log = logger.NewDefault("retention-sweeper")
	}
	return &Sweeper{
		service:  service,
		users:    users,
		settings: resolver,
		schedule: schedule,
		log:      log,
	}
}

// Name identifies the sweeper to the system manager.
func (s *Sweeper) Name() string { return "retention-sweeper" }

// Start schedules the sweep job.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("retention sweeper already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("retention sweeper started")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.cron = nil
	s.running = false
	s.log.Info("retention sweeper stopped")
	return nil
}

// sweep applies each user's retention setting. Per-user failures are logged
// and do not stop the pass.
func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		s.log.WithError(err).Error("retention sweep could not list users")
		return
	}

	total := 0
	for _, u := range users {
		cfg, err := s.settings.For(ctx, u.ID)
		if err != nil {
			s.log.WithError(err).WithField("user_id", u.ID).Error("retention sweep could not resolve settings")
			continue
		}
		deleted, err := s.service.CleanupUser(ctx, u.ID, cfg.RetentionDays)
		if err != nil {
			s.log.WithError(err).WithField("user_id", u.ID).Error("retention sweep failed for user")
			continue
		}
		total += deleted
	}
	s.log.WithField("deleted", total).
		WithField("users", len(users)).
		WithField("elapsed", time.Since(start).String()).
		Info("retention sweep finished")
}
