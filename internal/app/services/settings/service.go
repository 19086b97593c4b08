package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/pkg/logger"
)

// Service resolves and updates per-user tracking settings.
type Service struct {
	store storage.SettingsStore
	log   *logger.Logger
}

// New creates a configured settings service.
func New(store storage.SettingsStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settings")
	}
	return &Service{store: store, log: log}
}

// For returns the stored settings for a user, or the defaults when the user
// has never written any. Defaults are not persisted on read.
func (s *Service) For(ctx context.Context, userID string) (settings.Settings, error) {
	if userID == "" {
		return settings.Settings{}, fmt.Errorf("user_id is required")
	}
	stored, err := s.store.GetSettings(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return settings.Default(userID), nil
	}
	if err != nil {
		return settings.Settings{}, err
	}
	return stored, nil
}

// Update applies partial changes on top of the user's effective settings and
// persists the result. Nil fields keep their current value.
func (s *Service) Update(ctx context.Context, userID string, enabled *bool, dailyGoalSeconds, abandonAfterSeconds *int64, retentionDays *int) (settings.Settings, error) {
	current, err := s.For(ctx, userID)
	if err != nil {
		return settings.Settings{}, err
	}

	if enabled != nil {
		current.TrackingEnabled = *enabled
	}
	if dailyGoalSeconds != nil {
		if *dailyGoalSeconds <= 0 {
			return settings.Settings{}, fmt.Errorf("daily_goal_seconds must be positive")
		}
		current.DailyGoalSeconds = *dailyGoalSeconds
	}
	if abandonAfterSeconds != nil {
		if *abandonAfterSeconds <= 0 {
			return settings.Settings{}, fmt.Errorf("abandon_after_seconds must be positive")
		}
		current.AbandonAfterSeconds = *abandonAfterSeconds
	}
	if retentionDays != nil {
		if *retentionDays < 1 {
			return settings.Settings{}, fmt.Errorf("retention_days must be at least 1")
		}
		current.RetentionDays = *retentionDays
	}

	now := time.Now().UTC()
	if current.CreatedAt.IsZero() {
		current.CreatedAt = now
	}
	current.UpdatedAt = now

	updated, err := s.store.PutSettings(ctx, current)
	if err != nil {
		return settings.Settings{}, err
	}
	s.log.WithField("user_id", userID).
		WithField("tracking_enabled", updated.TrackingEnabled).
		Info("settings updated")
	return updated, nil
}
