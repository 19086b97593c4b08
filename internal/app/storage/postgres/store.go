// Package postgres implements the storage interfaces backed by PostgreSQL.
// Daily aggregates carry a version column; PutDay is a compare-and-swap and
// is safe across processes, unlike the kvstore's process-local locking.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/insight"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/domain/user"
	"github.com/haven-app/usage_layer/internal/app/storage"
)

// Store implements the typed storage interfaces on a PostgreSQL handle.
type Store struct {
	db *sqlx.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.OpenSessionStore = (*Store)(nil)
var _ storage.AggregateStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)
var _ storage.RuleStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- UserStore --------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_users (id, display_name, timezone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.DisplayName, u.Timezone, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	existing, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}

	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE usage_users
		SET display_name = $2, timezone = $3, updated_at = $4
		WHERE id = $1
	`, u.ID, u.DisplayName, u.Timezone, u.UpdatedAt)
	if err != nil {
		return user.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var u user.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, timezone, created_at, updated_at
		FROM usage_users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.Timezone, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, storage.ErrNotFound
	}
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, timezone, created_at, updated_at
		FROM usage_users
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Timezone, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM usage_users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- OpenSessionStore -------------------------------------------------------

func (s *Store) PutOpenSession(ctx context.Context, open session.Open) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_open_sessions (user_id, id, category, start_time, last_seen, interaction_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			id = EXCLUDED.id,
			category = EXCLUDED.category,
			start_time = EXCLUDED.start_time,
			last_seen = EXCLUDED.last_seen,
			interaction_count = EXCLUDED.interaction_count
	`, open.UserID, open.ID, open.Category, open.StartTime, open.LastSeen, open.InteractionCount)
	return err
}

func (s *Store) GetOpenSession(ctx context.Context, userID string) (session.Open, error) {
	var open session.Open
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, id, category, start_time, last_seen, interaction_count
		FROM usage_open_sessions
		WHERE user_id = $1
	`, userID).Scan(&open.UserID, &open.ID, &open.Category, &open.StartTime, &open.LastSeen, &open.InteractionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Open{}, storage.ErrNotFound
	}
	if err != nil {
		return session.Open{}, err
	}
	open.StartTime = open.StartTime.UTC()
	open.LastSeen = open.LastSeen.UTC()
	return open, nil
}

func (s *Store) RemoveOpenSession(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_open_sessions WHERE user_id = $1`, userID)
	return err
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]session.Open, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, id, category, start_time, last_seen, interaction_count
		FROM usage_open_sessions
		ORDER BY start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []session.Open
	for rows.Next() {
		var open session.Open
		if err := rows.Scan(&open.UserID, &open.ID, &open.Category, &open.StartTime, &open.LastSeen, &open.InteractionCount); err != nil {
			return nil, err
		}
		open.StartTime = open.StartTime.UTC()
		open.LastSeen = open.LastSeen.UTC()
		result = append(result, open)
	}
	return result, rows.Err()
}

// --- AggregateStore ---------------------------------------------------------

func (s *Store) GetDay(ctx context.Context, userID, date string) (aggregate.Daily, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, date, total_seconds, session_count, longest_seconds, shortest_seconds,
		       average_seconds, categories, first_open, last_close, version, created_at, updated_at
		FROM usage_daily_aggregates
		WHERE user_id = $1 AND date = $2
	`, userID, date)

	rec, err := scanDay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return aggregate.Daily{}, storage.ErrNotFound
	}
	if err != nil {
		return aggregate.Daily{}, err
	}
	return rec, nil
}

func (s *Store) PutDay(ctx context.Context, rec aggregate.Daily, expectedVersion int64) (aggregate.Daily, error) {
	categoriesJSON, err := json.Marshal(rec.Categories)
	if err != nil {
		return aggregate.Daily{}, err
	}

	now := time.Now().UTC()
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = now

	var result sql.Result
	if expectedVersion == 0 {
		rec.CreatedAt = now
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO usage_daily_aggregates
				(user_id, date, total_seconds, session_count, longest_seconds, shortest_seconds,
				 average_seconds, categories, first_open, last_close, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (user_id, date) DO NOTHING
		`, rec.UserID, rec.Date, rec.TotalSeconds, rec.SessionCount, rec.LongestSeconds,
			toNullInt(rec.ShortestSeconds), rec.AverageSeconds, categoriesJSON,
			toNullTime(rec.FirstOpen), toNullTime(rec.LastClose), rec.Version, rec.CreatedAt, rec.UpdatedAt)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE usage_daily_aggregates
			SET total_seconds = $3, session_count = $4, longest_seconds = $5, shortest_seconds = $6,
			    average_seconds = $7, categories = $8, first_open = $9, last_close = $10,
			    version = $11, updated_at = $12
			WHERE user_id = $1 AND date = $2 AND version = $13
		`, rec.UserID, rec.Date, rec.TotalSeconds, rec.SessionCount, rec.LongestSeconds,
			toNullInt(rec.ShortestSeconds), rec.AverageSeconds, categoriesJSON,
			toNullTime(rec.FirstOpen), toNullTime(rec.LastClose), rec.Version, rec.UpdatedAt, expectedVersion)
	}
	if err != nil {
		return aggregate.Daily{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return aggregate.Daily{}, storage.ErrVersionConflict
	}
	return rec, nil
}

func (s *Store) ListDays(ctx context.Context, userID string) ([]aggregate.Daily, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, date, total_seconds, session_count, longest_seconds, shortest_seconds,
		       average_seconds, categories, first_open, last_close, version, created_at, updated_at
		FROM usage_daily_aggregates
		WHERE $1 = '' OR user_id = $1
		ORDER BY user_id, date
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []aggregate.Daily
	for rows.Next() {
		rec, err := scanDay(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *Store) DeleteDays(ctx context.Context, userID string, dates []string) error {
	if len(dates) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		DELETE FROM usage_daily_aggregates
		WHERE user_id = ? AND date IN (?)
	`, userID, dates)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDay(row rowScanner) (aggregate.Daily, error) {
	var (
		rec           aggregate.Daily
		shortest      sql.NullInt64
		categoriesRaw []byte
		firstOpen     sql.NullTime
		lastClose     sql.NullTime
	)
	if err := row.Scan(&rec.UserID, &rec.Date, &rec.TotalSeconds, &rec.SessionCount,
		&rec.LongestSeconds, &shortest, &rec.AverageSeconds, &categoriesRaw,
		&firstOpen, &lastClose, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return aggregate.Daily{}, err
	}
	if shortest.Valid {
		v := shortest.Int64
		rec.ShortestSeconds = &v
	}
	if len(categoriesRaw) > 0 {
		_ = json.Unmarshal(categoriesRaw, &rec.Categories)
	}
	if firstOpen.Valid {
		rec.FirstOpen = firstOpen.Time.UTC()
	}
	if lastClose.Valid {
		rec.LastClose = lastClose.Time.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// --- SettingsStore ----------------------------------------------------------

func (s *Store) GetSettings(ctx context.Context, userID string) (settings.Settings, error) {
	var rec settings.Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tracking_enabled, daily_goal_seconds, abandon_after_seconds, retention_days, created_at, updated_at
		FROM usage_settings
		WHERE user_id = $1
	`, userID).Scan(&rec.UserID, &rec.TrackingEnabled, &rec.DailyGoalSeconds,
		&rec.AbandonAfterSeconds, &rec.RetentionDays, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Settings{}, storage.ErrNotFound
	}
	if err != nil {
		return settings.Settings{}, err
	}
	return rec, nil
}

func (s *Store) PutSettings(ctx context.Context, rec settings.Settings) (settings.Settings, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_settings (user_id, tracking_enabled, daily_goal_seconds, abandon_after_seconds, retention_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			tracking_enabled = EXCLUDED.tracking_enabled,
			daily_goal_seconds = EXCLUDED.daily_goal_seconds,
			abandon_after_seconds = EXCLUDED.abandon_after_seconds,
			retention_days = EXCLUDED.retention_days,
			updated_at = EXCLUDED.updated_at
	`, rec.UserID, rec.TrackingEnabled, rec.DailyGoalSeconds, rec.AbandonAfterSeconds,
		rec.RetentionDays, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return settings.Settings{}, err
	}
	return rec, nil
}

// --- RuleStore --------------------------------------------------------------

func (s *Store) CreateRule(ctx context.Context, r insight.Rule) (insight.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_insight_rules (id, user_id, name, kind, selector, operator, threshold, message, source, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.UserID, r.Name, string(r.Kind), r.Selector, string(r.Operator), r.Threshold,
		r.Message, r.Source, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return insight.Rule{}, err
	}
	return r, nil
}

func (s *Store) ListRules(ctx context.Context, userID string) ([]insight.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, kind, selector, operator, threshold, message, source, enabled, created_at, updated_at
		FROM usage_insight_rules
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []insight.Rule
	for rows.Next() {
		var r insight.Rule
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.Kind, &r.Selector, &r.Operator,
			&r.Threshold, &r.Message, &r.Source, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) DeleteRule(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_insight_rules WHERE user_id = $1 AND id = $2
	`, userID, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
