package aggregates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/metrics"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/pkg/logger"
)

// ErrTrackingDisabled reports a fold attempted while the user has tracking
// switched off. The session is dropped, not buffered.
var ErrTrackingDisabled = errors.New("tracking is disabled")

// foldAttempts bounds the optimistic-write retry loop.
const foldAttempts = 3

// SettingsResolver yields a user's effective settings, defaults included.
type SettingsResolver interface {
	For(ctx context.Context, userID string) (settings.Settings, error)
}

// Notifier receives the updated day record after each successful fold.
type Notifier interface {
	DayUpdated(rec aggregate.Daily)
}

// Service folds closed sessions into per-day aggregates and serves reads.
type Service struct {
	store    storage.AggregateStore
	users    storage.UserStore
	settings SettingsResolver
	notifier Notifier
	log      *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a configured aggregates service.
func New(store storage.AggregateStore, users storage.UserStore, resolver SettingsResolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("aggregates")
	}
	return &Service{
		store:    store,
		users:    users,
		settings: resolver,
		log:      log,
		locks:    map[string]*sync.Mutex{},
	}
}

// SetNotifier wires an observer for successful folds. Call before serving.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) dayLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Fold merges one closed session into its calendar day's record. The day is
// chosen from the session's start instant in the user's timezone. Folds for
// the same (user, day) are serialized here and version-checked at the store,
// so two overlapping folds both land.
func (s *Service) Fold(ctx context.Context, sess session.Session) (aggregate.Daily, error) {
	if sess.UserID == "" {
		return aggregate.Daily{}, fmt.Errorf("user_id is required")
	}

	if s.settings != nil {
		cfg, err := s.settings.For(ctx, sess.UserID)
		if err != nil {
			return aggregate.Daily{}, err
		}
		if !cfg.TrackingEnabled {
			return aggregate.Daily{}, ErrTrackingDisabled
		}
	}

	loc := s.userLocation(ctx, sess.UserID)
	date := aggregate.DayKey(sess.StartTime, loc)

	lock := s.dayLock(sess.UserID + "|" + date)
	lock.Lock()
	defer lock.Unlock()

	var written aggregate.Daily
	var err error
	for attempt := 0; attempt < foldAttempts; attempt++ {
		rec, getErr := s.store.GetDay(ctx, sess.UserID, date)
		if errors.Is(getErr, storage.ErrNotFound) {
			rec = aggregate.Daily{UserID: sess.UserID, Date: date}
		} else if getErr != nil {
			return aggregate.Daily{}, getErr
		}

		expected := rec.Version
		applySession(&rec, sess)

		written, err = s.store.PutDay(ctx, rec, expected)
		if errors.Is(err, storage.ErrVersionConflict) {
			metrics.RecordFoldConflict()
			continue
		}
		if err != nil {
			return aggregate.Daily{}, err
		}

		metrics.RecordFold()
		s.log.WithField("user_id", sess.UserID).
			WithField("date", date).
			WithField("session_seconds", sess.DurationSeconds).
			Debug("session folded")
		if s.notifier != nil {
			s.notifier.DayUpdated(written.Clone())
		}
		return written, nil
	}
	return aggregate.Daily{}, fmt.Errorf("fold for %s/%s: %w", sess.UserID, date, err)
}

// applySession updates the running day statistics with one session.
// Zero-length abandoned sessions count toward sessionCount only.
func applySession(rec *aggregate.Daily, sess session.Session) {
	d := sess.DurationSeconds
	rec.TotalSeconds += d
	rec.SessionCount++
	rec.AverageSeconds = float64(rec.TotalSeconds) / float64(rec.SessionCount)

	if d > 0 || !sess.Abandoned {
		if d > rec.LongestSeconds {
			rec.LongestSeconds = d
		}
		if rec.ShortestSeconds == nil || d < *rec.ShortestSeconds {
			v := d
			rec.ShortestSeconds = &v
		}
	}

	if sess.Category != "" {
		if rec.Categories == nil {
			rec.Categories = map[string]int64{}
		}
		rec.Categories[sess.Category] += d
	}

	if rec.FirstOpen.IsZero() || sess.StartTime.Before(rec.FirstOpen) {
		rec.FirstOpen = sess.StartTime.UTC()
	}
	if sess.EndTime.After(rec.LastClose) {
		rec.LastClose = sess.EndTime.UTC()
	}
}

// Day returns the record for one calendar day, or storage.ErrNotFound when
// no sessions landed on it.
func (s *Service) Day(ctx context.Context, userID, date string) (aggregate.Daily, error) {
	if _, err := time.Parse(aggregate.DayKeyLayout, date); err != nil {
		return aggregate.Daily{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return s.store.GetDay(ctx, userID, date)
}

// Range returns the user's day records with from <= date <= to, ascending.
// Empty bounds leave that side open.
func (s *Service) Range(ctx context.Context, userID, from, to string) ([]aggregate.Daily, error) {
	days, err := s.store.ListDays(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := days[:0]
	for _, d := range days {
		if from != "" && d.Date < from {
			continue
		}
		if to != "" && d.Date > to {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Cleanup deletes day records strictly older than the retention window,
// across all users. A record from exactly retentionDays ago is kept.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("retention_days must be at least 1")
	}
	cutoff := aggregate.DayKey(time.Now().UTC().AddDate(0, 0, -retentionDays), time.UTC)

	days, err := s.store.ListDays(ctx, "")
	if err != nil {
		return 0, err
	}
	stale := map[string][]string{}
	for _, d := range days {
		if d.Date < cutoff {
			stale[d.UserID] = append(stale[d.UserID], d.Date)
		}
	}

	deleted := 0
	for userID, dates := range stale {
		if err := s.store.DeleteDays(ctx, userID, dates); err != nil {
			return deleted, err
		}
		deleted += len(dates)
	}
	if deleted > 0 {
		metrics.RecordRetentionDeleted(deleted)
		s.log.WithField("deleted", deleted).
			WithField("cutoff", cutoff).
			Info("retention cleanup completed")
	}
	return deleted, nil
}

// CleanupUser deletes one user's day records older than their own retention
// window, with the cutoff computed in their timezone.
func (s *Service) CleanupUser(ctx context.Context, userID string, retentionDays int) (int, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("retention_days must be at least 1")
	}
	loc := s.userLocation(ctx, userID)
	cutoff := aggregate.DayKey(time.Now().AddDate(0, 0, -retentionDays), loc)

	days, err := s.store.ListDays(ctx, userID)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, d := range days {
		if d.Date < cutoff {
			stale = append(stale, d.Date)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteDays(ctx, userID, stale); err != nil {
		return 0, err
	}
	metrics.RecordRetentionDeleted(len(stale))
	return len(stale), nil
}

func (s *Service) userLocation(ctx context.Context, userID string) *time.Location {
	if s.users == nil {
		return time.UTC
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return time.UTC
	}
	return u.Location()
}
