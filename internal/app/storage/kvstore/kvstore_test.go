package kvstore

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/domain/user"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/internal/app/storage/memory"
)

func newStore() *Store {
	return New(memory.New())
}

func TestStore_UserLifecycle(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	created, err := store.CreateUser(ctx, user.User{DisplayName: "Ada", Timezone: "Europe/Berlin"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected user state: %#v", created)
	}

	if _, err := store.CreateUser(ctx, user.User{ID: created.ID}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	fetched, err := store.GetUser(ctx, created.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !reflect.DeepEqual(created, fetched) {
		t.Fatalf("get mismatch: %#v vs %#v", created, fetched)
	}

	if err := store.DeleteUser(ctx, created.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := store.GetUser(ctx, created.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_DayRoundTrip(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	shortest := int64(30)
	rec := aggregate.Daily{
		UserID:          "u1",
		Date:            "2026-08-30",
		TotalSeconds:    90,
		SessionCount:    2,
		LongestSeconds:  60,
		ShortestSeconds: &shortest,
		AverageSeconds:  45,
		Categories:      map[string]int64{"journal": 90},
		FirstOpen:       time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC),
		LastClose:       time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}

	written, err := store.PutDay(ctx, rec, 0)
	if err != nil {
		t.Fatalf("put day: %v", err)
	}
	if written.Version != 1 {
		t.Fatalf("expected version 1, got %d", written.Version)
	}

	read, err := store.GetDay(ctx, "u1", "2026-08-30")
	if err != nil {
		t.Fatalf("get day: %v", err)
	}
	if !reflect.DeepEqual(written, read) {
		t.Fatalf("round trip mismatch:\n wrote %#v\n read  %#v", written, read)
	}
}

func TestStore_PutDayVersionConflict(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	rec := aggregate.Daily{UserID: "u1", Date: "2026-08-30", TotalSeconds: 10, SessionCount: 1}
	if _, err := store.PutDay(ctx, rec, 0); err != nil {
		t.Fatalf("initial put: %v", err)
	}

	// A second writer that read version 0 must be rejected.
	if _, err := store.PutDay(ctx, rec, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	rec.TotalSeconds = 20
	updated, err := store.PutDay(ctx, rec, 1)
	if err != nil {
		t.Fatalf("versioned put: %v", err)
	}
	if updated.Version != 2 || updated.TotalSeconds != 20 {
		t.Fatalf("unexpected record: %#v", updated)
	}

	// Creating a day that already exists with expectedVersion 0 conflicts,
	// and updating a missing day with a non-zero version conflicts too.
	missing := aggregate.Daily{UserID: "u1", Date: "2026-08-31"}
	if _, err := store.PutDay(ctx, missing, 3); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for missing day, got %v", err)
	}
}

func TestStore_ListAndDeleteDays(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	for _, date := range []string{"2026-08-28", "2026-08-29", "2026-08-30"} {
		if _, err := store.PutDay(ctx, aggregate.Daily{UserID: "u1", Date: date, SessionCount: 1}, 0); err != nil {
			t.Fatalf("put %s: %v", date, err)
		}
	}
	if _, err := store.PutDay(ctx, aggregate.Daily{UserID: "u2", Date: "2026-08-30", SessionCount: 1}, 0); err != nil {
		t.Fatalf("put u2 day: %v", err)
	}

	mine, err := store.ListDays(ctx, "u1")
	if err != nil {
		t.Fatalf("list days: %v", err)
	}
	if len(mine) != 3 || mine[0].Date != "2026-08-28" || mine[2].Date != "2026-08-30" {
		t.Fatalf("unexpected days: %#v", mine)
	}

	all, err := store.ListDays(ctx, "")
	if err != nil {
		t.Fatalf("list all days: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 records across users, got %d", len(all))
	}

	if err := store.DeleteDays(ctx, "u1", []string{"2026-08-28", "2026-08-29"}); err != nil {
		t.Fatalf("delete days: %v", err)
	}
	mine, err = store.ListDays(ctx, "u1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(mine) != 1 || mine[0].Date != "2026-08-30" {
		t.Fatalf("unexpected days after delete: %#v", mine)
	}
}

func TestStore_OpenSessionMarker(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	open := session.Open{
		ID:        "s1",
		UserID:    "u1",
		Category:  "journal",
		StartTime: time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC),
		LastSeen:  time.Date(2026, 8, 30, 8, 5, 0, 0, time.UTC),
	}
	if err := store.PutOpenSession(ctx, open); err != nil {
		t.Fatalf("put open session: %v", err)
	}

	got, err := store.GetOpenSession(ctx, "u1")
	if err != nil {
		t.Fatalf("get open session: %v", err)
	}
	if !reflect.DeepEqual(open, got) {
		t.Fatalf("marker mismatch: %#v vs %#v", open, got)
	}

	listed, err := store.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("list open sessions: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 marker, got %d", len(listed))
	}

	if err := store.RemoveOpenSession(ctx, "u1"); err != nil {
		t.Fatalf("remove open session: %v", err)
	}
	if _, err := store.GetOpenSession(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_SettingsDefaultsNotPersisted(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	if _, err := store.GetSettings(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	saved, err := store.PutSettings(ctx, settings.Default("u1"))
	if err != nil {
		t.Fatalf("put settings: %v", err)
	}
	if saved.RetentionDays != settings.DefaultRetentionDays {
		t.Fatalf("unexpected settings: %#v", saved)
	}

	got, err := store.GetSettings(ctx, "u1")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if !reflect.DeepEqual(saved, got) {
		t.Fatalf("settings mismatch: %#v vs %#v", saved, got)
	}
}
