package storage

import (
	"context"
	"errors"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/insight"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/domain/user"
)

var (
	// ErrNotFound reports a missing record. A day with no sessions returns
	// ErrNotFound, never a zeroed record.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict reports a stale-version write of a daily record.
	// Callers re-read and retry the fold.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyExists reports a create of a record whose ID is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// OpenSessionStore persists the marker for a session that has started but
// not yet ended, so a process kill does not lose the interval.
type OpenSessionStore interface {
	PutOpenSession(ctx context.Context, open session.Open) error
	GetOpenSession(ctx context.Context, userID string) (session.Open, error)
	RemoveOpenSession(ctx context.Context, userID string) error
	ListOpenSessions(ctx context.Context) ([]session.Open, error)
}

// AggregateStore persists daily aggregates. PutDay is an optimistic
// compare-and-swap: the write succeeds only when the stored version equals
// expectedVersion (zero for a day that does not exist yet); otherwise it
// returns ErrVersionConflict.
type AggregateStore interface {
	GetDay(ctx context.Context, userID, date string) (aggregate.Daily, error)
	PutDay(ctx context.Context, rec aggregate.Daily, expectedVersion int64) (aggregate.Daily, error)
	ListDays(ctx context.Context, userID string) ([]aggregate.Daily, error)
	DeleteDays(ctx context.Context, userID string, dates []string) error
}

// SettingsStore persists per-user tracking settings.
type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (settings.Settings, error)
	PutSettings(ctx context.Context, s settings.Settings) (settings.Settings, error)
}

// RuleStore persists user-defined insight rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r insight.Rule) (insight.Rule, error)
	ListRules(ctx context.Context, userID string) ([]insight.Rule, error)
	DeleteRule(ctx context.Context, userID, id string) error
}
