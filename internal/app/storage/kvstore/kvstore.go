// Package kvstore implements the typed storage interfaces on top of any
// storage.KV backend. Records are JSON-serialized text under prefixed keys:
//
//	user:<id>
//	opensession:<user>
//	day:<user>:<YYYY-MM-DD>
//	settings:<user>
//	rule:<user>:<id>
//
// Daily records carry a version stamp. PutDay checks the stored version
// under a per-key lock before writing, so overlapping folds from this
// process cannot lose updates. The lock is process-local: when several
// processes share one KV backend, use the postgres store instead.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/insight"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/domain/user"
	"github.com/haven-app/usage_layer/internal/app/storage"
)

const (
	userPrefix     = "user:"
	openPrefix     = "opensession:"
	dayPrefix      = "day:"
	settingsPrefix = "settings:"
	rulePrefix     = "rule:"
)

// Store implements the typed storage interfaces over a KV backend.
type Store struct {
	kv storage.KV

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.OpenSessionStore = (*Store)(nil)
var _ storage.AggregateStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)
var _ storage.RuleStore = (*Store)(nil)

// New creates a typed store over the given KV backend.
func New(kv storage.KV) *Store {
	return &Store{
		kv:    kv,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Store) read(ctx context.Context, key string, dst interface{}) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(raw))
}

// UserStore implementation ---------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	} else {
		_, ok, err := s.kv.Get(ctx, userPrefix+u.ID)
		if err != nil {
			return user.User{}, err
		}
		if ok {
			return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrAlreadyExists)
		}
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	if err := s.write(ctx, userPrefix+u.ID, u); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	var original user.User
	if err := s.read(ctx, userPrefix+u.ID, &original); err != nil {
		return user.User{}, err
	}

	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	if err := s.write(ctx, userPrefix+u.ID, u); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var u user.User
	if err := s.read(ctx, userPrefix+id, &u); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	keys, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]user.User, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, userPrefix) {
			continue
		}
		var u user.User
		if err := s.read(ctx, key, &u); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.GetUser(ctx, id); err != nil {
		return err
	}
	return s.kv.Remove(ctx, userPrefix+id)
}

// OpenSessionStore implementation ---------------------------------------------

func (s *Store) PutOpenSession(ctx context.Context, open session.Open) error {
	return s.write(ctx, openPrefix+open.UserID, open)
}

func (s *Store) GetOpenSession(ctx context.Context, userID string) (session.Open, error) {
	var open session.Open
	if err := s.read(ctx, openPrefix+userID, &open); err != nil {
		return session.Open{}, err
	}
	return open, nil
}

func (s *Store) RemoveOpenSession(ctx context.Context, userID string) error {
	return s.kv.Remove(ctx, openPrefix+userID)
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]session.Open, error) {
	keys, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]session.Open, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, openPrefix) {
			continue
		}
		var open session.Open
		if err := s.read(ctx, key, &open); err != nil {
			return nil, err
		}
		result = append(result, open)
	}
	return result, nil
}

// AggregateStore implementation ----------------------------------------------

func dayKey(userID, date string) string {
	return dayPrefix + userID + ":" + date
}

func (s *Store) GetDay(ctx context.Context, userID, date string) (aggregate.Daily, error) {
	var rec aggregate.Daily
	if err := s.read(ctx, dayKey(userID, date), &rec); err != nil {
		return aggregate.Daily{}, err
	}
	return rec, nil
}

func (s *Store) PutDay(ctx context.Context, rec aggregate.Daily, expectedVersion int64) (aggregate.Daily, error) {
	key := dayKey(rec.UserID, rec.Date)
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var current aggregate.Daily
	err := s.read(ctx, key, &current)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedVersion != 0 {
			return aggregate.Daily{}, storage.ErrVersionConflict
		}
		rec.CreatedAt = time.Now().UTC()
	case err != nil:
		return aggregate.Daily{}, err
	default:
		if current.Version != expectedVersion {
			return aggregate.Daily{}, storage.ErrVersionConflict
		}
		rec.CreatedAt = current.CreatedAt
	}

	rec.Version = expectedVersion + 1
	rec.UpdatedAt = time.Now().UTC()

	if err := s.write(ctx, key, rec); err != nil {
		return aggregate.Daily{}, err
	}
	return rec.Clone(), nil
}

func (s *Store) ListDays(ctx context.Context, userID string) ([]aggregate.Daily, error) {
	keys, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}

	prefix := dayPrefix
	if userID != "" {
		prefix = dayPrefix + userID + ":"
	}

	result := make([]aggregate.Daily, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var rec aggregate.Daily
		if err := s.read(ctx, key, &rec); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].Date < result[j].Date
	})
	return result, nil
}

func (s *Store) DeleteDays(ctx context.Context, userID string, dates []string) error {
	if len(dates) == 0 {
		return nil
	}
	keys := make([]string, 0, len(dates))
	for _, date := range dates {
		keys = append(keys, dayKey(userID, date))
	}
	return s.kv.MultiRemove(ctx, keys)
}

// SettingsStore implementation ------------------------------------------------

func (s *Store) GetSettings(ctx context.Context, userID string) (settings.Settings, error) {
	var rec settings.Settings
	if err := s.read(ctx, settingsPrefix+userID, &rec); err != nil {
		return settings.Settings{}, err
	}
	return rec, nil
}

func (s *Store) PutSettings(ctx context.Context, rec settings.Settings) (settings.Settings, error) {
	now := time.Now().UTC()
	if existing, err := s.GetSettings(ctx, rec.UserID); err == nil {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := s.write(ctx, settingsPrefix+rec.UserID, rec); err != nil {
		return settings.Settings{}, err
	}
	return rec, nil
}

// RuleStore implementation ----------------------------------------------------

func ruleKey(userID, id string) string {
	return rulePrefix + userID + ":" + id
}

func (s *Store) CreateRule(ctx context.Context, r insight.Rule) (insight.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := s.write(ctx, ruleKey(r.UserID, r.ID), r); err != nil {
		return insight.Rule{}, err
	}
	return r, nil
}

func (s *Store) ListRules(ctx context.Context, userID string) ([]insight.Rule, error) {
	keys, err := s.kv.GetAllKeys(ctx)
	if err != nil {
		return nil, err
	}

	prefix := rulePrefix + userID + ":"
	result := make([]insight.Rule, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var r insight.Rule
		if err := s.read(ctx, key, &r); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) DeleteRule(ctx context.Context, userID, id string) error {
	key := ruleKey(userID, id)
	if _, ok, err := s.kv.Get(ctx, key); err != nil {
		return err
	} else if !ok {
		return storage.ErrNotFound
	}
	return s.kv.Remove(ctx, key)
}
