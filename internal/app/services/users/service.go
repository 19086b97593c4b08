package users

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haven-app/usage_layer/internal/app/domain/user"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/pkg/logger"
)

// Service manages tracked users.
type Service struct {
	store storage.UserStore
	log   *logger.Logger
}

// New creates a configured user service.
func New(store storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	return &Service{store: store, log: log}
}

// Create registers a user. An empty timezone defaults to UTC; an unknown
// IANA zone is rejected.
func (s *Service) Create(ctx context.Context, displayName, timezone string) (user.User, error) {
	displayName = strings.TrimSpace(displayName)
	timezone = strings.TrimSpace(timezone)
	if displayName == "" {
		return user.User{}, fmt.Errorf("display_name is required")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return user.User{}, fmt.Errorf("unknown timezone %q", timezone)
	}

	now := time.Now().UTC()
	u := user.User{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Timezone:    timezone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := s.store.CreateUser(ctx, u)
	if err != nil {
		return user.User{}, err
	}
	s.log.WithField("user_id", created.ID).
		WithField("timezone", created.Timezone).
		Info("user created")
	return created, nil
}

// Update applies partial changes. Nil fields keep their current value.
func (s *Service) Update(ctx context.Context, id string, displayName, timezone *string) (user.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return user.User{}, err
	}

	if displayName != nil {
		trimmed := strings.TrimSpace(*displayName)
		if trimmed == "" {
			return user.User{}, fmt.Errorf("display_name cannot be empty")
		}
		u.DisplayName = trimmed
	}
	if timezone != nil {
		trimmed := strings.TrimSpace(*timezone)
		if trimmed == "" {
			trimmed = "UTC"
		}
		if _, err := time.LoadLocation(trimmed); err != nil {
			return user.User{}, fmt.Errorf("unknown timezone %q", trimmed)
		}
		u.Timezone = trimmed
	}
	u.UpdatedAt = time.Now().UTC()

	updated, err := s.store.UpdateUser(ctx, u)
	if err != nil {
		return user.User{}, err
	}
	s.log.WithField("user_id", updated.ID).Info("user updated")
	return updated, nil
}

// Get fetches a user by identifier.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	return s.store.GetUser(ctx, id)
}

// List returns all users.
func (s *Service) List(ctx context.Context) ([]user.User, error) {
	return s.store.ListUsers(ctx)
}

// Delete removes a user record.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.log.WithField("user_id", id).Info("user deleted")
	return nil
}
