package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/metrics"
	"github.com/haven-app/usage_layer/internal/app/services/aggregates"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/pkg/logger"
)

// ErrNoOpenSession reports an end or heartbeat with nothing open. Callers
// that treat ending an already-ended session as a no-op may ignore it.
var ErrNoOpenSession = errors.New("no open session")

// Folder merges a closed session into its day's aggregate.
type Folder interface {
	Fold(ctx context.Context, sess session.Session) (aggregate.Daily, error)
}

// SettingsResolver yields a user's effective settings, defaults included.
type SettingsResolver interface {
	For(ctx context.Context, userID string) (settings.Settings, error)
}

// Service records session boundaries. The open-session marker is persisted
// on start and removed on close, so a process kill never loses the open
// interval.
type Service struct {
	open     storage.OpenSessionStore
	folder   Folder
	settings SettingsResolver
	log      *logger.Logger
	now      func() time.Time
}

// New creates a configured recorder service.
func New(open storage.OpenSessionStore, folder Folder, resolver SettingsResolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("recorder")
	}
	return &Service{
		open:     open,
		folder:   folder,
		settings: resolver,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartSession opens a session for the user. An already-open session is
// first closed at the new session's start instant and folded, so starting
// twice loses no data.
func (s *Service) StartSession(ctx context.Context, userID, category string) (session.Open, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return session.Open{}, fmt.Errorf("user_id is required")
	}

	if s.settings != nil {
		cfg, err := s.settings.For(ctx, userID)
		if err != nil {
			return session.Open{}, err
		}
		if !cfg.TrackingEnabled {
			return session.Open{}, aggregates.ErrTrackingDisabled
		}
	}

	now := s.now()

	prev, err := s.open.GetOpenSession(ctx, userID)
	switch {
	case err == nil:
		closed := prev.Close(now, false)
		if _, foldErr := s.folder.Fold(ctx, closed); foldErr != nil && !errors.Is(foldErr, aggregates.ErrTrackingDisabled) {
			return session.Open{}, fmt.Errorf("closing previous session: %w", foldErr)
		}
		metrics.RecordSessionClosed("restart", time.Duration(closed.DurationSeconds)*time.Second)
		s.log.WithField("user_id", userID).
			WithField("session_id", prev.ID).
			Info("open session closed by restart")
	case errors.Is(err, storage.ErrNotFound):
	default:
		return session.Open{}, err
	}

	open := session.Open{
		ID:        uuid.NewString(),
		UserID:    userID,
		Category:  strings.TrimSpace(category),
		StartTime: now,
		LastSeen:  now,
	}
	if err := s.open.PutOpenSession(ctx, open); err != nil {
		return session.Open{}, err
	}
	s.log.WithField("user_id", userID).
		WithField("session_id", open.ID).
		Debug("session started")
	return open, nil
}

// EndSession closes the user's open session at the current instant and
// folds it into the day's aggregate.
func (s *Service) EndSession(ctx context.Context, userID string) (session.Session, error) {
	open, err := s.open.GetOpenSession(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.Session{}, ErrNoOpenSession
	}
	if err != nil {
		return session.Session{}, err
	}

	closed := open.Close(s.now(), false)
	if _, err := s.folder.Fold(ctx, closed); err != nil && !errors.Is(err, aggregates.ErrTrackingDisabled) {
		return session.Session{}, err
	}
	if err := s.open.RemoveOpenSession(ctx, userID); err != nil {
		return session.Session{}, err
	}

	metrics.RecordSessionClosed("end", time.Duration(closed.DurationSeconds)*time.Second)
	s.log.WithField("user_id", userID).
		WithField("session_id", closed.ID).
		WithField("duration_seconds", closed.DurationSeconds).
		Debug("session ended")
	return closed, nil
}

// Heartbeat bumps the open session's interaction count and last-seen time.
func (s *Service) Heartbeat(ctx context.Context, userID string) (session.Open, error) {
	open, err := s.open.GetOpenSession(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.Open{}, ErrNoOpenSession
	}
	if err != nil {
		return session.Open{}, err
	}

	open.LastSeen = s.now()
	open.InteractionCount++
	if err := s.open.PutOpenSession(ctx, open); err != nil {
		return session.Open{}, err
	}
	return open, nil
}

// Current returns the user's open session marker, or ErrNoOpenSession.
func (s *Service) Current(ctx context.Context, userID string) (session.Open, error) {
	open, err := s.open.GetOpenSession(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.Open{}, ErrNoOpenSession
	}
	return open, err
}

// RecoverAbandoned scans persisted markers and closes every one whose
// last-seen time is older than the owner's abandonment threshold. The
// session is credited up to its last evidence of life; a marker that never
// heartbeat closes zero-length and lands as a session count only. Returns
// the number of sessions recovered.
func (s *Service) RecoverAbandoned(ctx context.Context) (int, error) {
	markers, err := s.open.ListOpenSessions(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	recovered := 0
	for _, open := range markers {
		threshold := settings.DefaultAbandonAfterSeconds
		if s.settings != nil {
			cfg, err := s.settings.For(ctx, open.UserID)
			if err != nil {
				s.log.WithError(err).WithField("user_id", open.UserID).Error("recovery could not resolve settings")
				continue
			}
			threshold = cfg.AbandonAfterSeconds
		}
		if now.Sub(open.LastSeen) <= time.Duration(threshold)*time.Second {
			continue
		}

		closed := open.Close(open.LastSeen, true)
		if _, err := s.folder.Fold(ctx, closed); err != nil && !errors.Is(err, aggregates.ErrTrackingDisabled) {
			s.log.WithError(err).WithField("user_id", open.UserID).Error("recovery fold failed")
			continue
		}
		if err := s.open.RemoveOpenSession(ctx, open.UserID); err != nil {
			s.log.WithError(err).WithField("user_id", open.UserID).Error("recovery could not remove marker")
			continue
		}

		metrics.RecordSessionClosed("abandoned", time.Duration(closed.DurationSeconds)*time.Second)
		s.log.WithField("user_id", open.UserID).
			WithField("session_id", closed.ID).
			WithField("duration_seconds", closed.DurationSeconds).
			Info("abandoned session recovered")
		recovered++
	}
	return recovered, nil
}
