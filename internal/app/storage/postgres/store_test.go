package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/user"
	"github.com/haven-app/usage_layer/internal/app/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestStore_PutDayInsertConflict(t *testing.T) {
	store, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING affecting zero rows means another fold created
	// the day first; the caller must re-read and retry.
	mock.ExpectExec("INSERT INTO usage_daily_aggregates").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := aggregate.Daily{UserID: "u1", Date: "2026-08-30", TotalSeconds: 10, SessionCount: 1}
	if _, err := store.PutDay(context.Background(), rec, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_PutDayStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE usage_daily_aggregates").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := aggregate.Daily{UserID: "u1", Date: "2026-08-30", TotalSeconds: 10, SessionCount: 1}
	if _, err := store.PutDay(context.Background(), rec, 3); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_PutDaySuccessBumpsVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE usage_daily_aggregates").
		WillReturnResult(sqlmock.NewResult(0, 1))

	shortest := int64(30)
	rec := aggregate.Daily{
		UserID:          "u1",
		Date:            "2026-08-30",
		TotalSeconds:    40,
		SessionCount:    2,
		LongestSeconds:  30,
		ShortestSeconds: &shortest,
	}
	written, err := store.PutDay(context.Background(), rec, 1)
	if err != nil {
		t.Fatalf("put day: %v", err)
	}
	if written.Version != 2 {
		t.Fatalf("expected version 2, got %d", written.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_GetDayNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM usage_daily_aggregates").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	if _, err := store.GetDay(context.Background(), "u1", "2026-08-30"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := New(db)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, user.User{DisplayName: "itest", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	defer func() { _ = store.DeleteUser(ctx, u.ID) }()

	open := session.Open{
		ID:        "s1",
		UserID:    u.ID,
		StartTime: time.Now().UTC().Add(-time.Minute),
		LastSeen:  time.Now().UTC(),
	}
	if err := store.PutOpenSession(ctx, open); err != nil {
		t.Fatalf("put open session: %v", err)
	}
	defer func() { _ = store.RemoveOpenSession(ctx, u.ID) }()

	rec := aggregate.Daily{UserID: u.ID, Date: "2026-08-30", TotalSeconds: 60, SessionCount: 1}
	written, err := store.PutDay(ctx, rec, 0)
	if err != nil {
		t.Fatalf("put day: %v", err)
	}
	defer func() { _ = store.DeleteDays(ctx, u.ID, []string{"2026-08-30"}) }()

	if _, err := store.PutDay(ctx, rec, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	read, err := store.GetDay(ctx, u.ID, "2026-08-30")
	if err != nil {
		t.Fatalf("get day: %v", err)
	}
	if read.Version != written.Version || read.TotalSeconds != 60 {
		t.Fatalf("unexpected record: %#v", read)
	}
	if read.ShortestSeconds != nil {
		t.Fatalf("expected nil shortest after round trip, got %v", *read.ShortestSeconds)
	}
}
