package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haven-app/usage_layer/internal/app/services/aggregates"
	settingssvc "github.com/haven-app/usage_layer/internal/app/services/settings"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/internal/app/storage/kvstore"
	"github.com/haven-app/usage_layer/internal/app/storage/memory"
)

type fixture struct {
	store    *kvstore.Store
	settings *settingssvc.Service
	folder   *aggregates.Service
	recorder *Service
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kvstore.New(memory.New())
	resolver := settingssvc.New(store, nil)
	folder := aggregates.New(store, store, resolver, nil)
	rec := New(store, folder, resolver, nil)

	f := &fixture{
		store:    store,
		settings: resolver,
		folder:   folder,
		recorder: rec,
		clock:    time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC),
	}
	rec.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestStartThenEndFoldsIntoDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open, err := f.recorder.StartSession(ctx, "u1", "reading")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if open.ID == "" {
		t.Fatal("expected generated session id")
	}

	f.advance(90 * time.Second)
	closed, err := f.recorder.EndSession(ctx, "u1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if closed.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %d", closed.DurationSeconds)
	}
	if closed.Abandoned {
		t.Fatal("normal close must not be abandoned")
	}

	if _, err := f.recorder.Current(ctx, "u1"); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("marker must be removed after end, got %v", err)
	}

	day, err := f.folder.Day(ctx, "u1", "2026-08-30")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if day.TotalSeconds != 90 || day.SessionCount != 1 {
		t.Fatalf("unexpected day record: %#v", day)
	}
	if day.Categories["reading"] != 90 {
		t.Fatalf("unexpected categories: %v", day.Categories)
	}
}

func TestStartTwiceClosesThenReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.recorder.StartSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	f.advance(60 * time.Second)
	second, err := f.recorder.StartSession(ctx, "u1", "")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh session id")
	}
	if !second.StartTime.Equal(f.clock) {
		t.Fatalf("expected new start at %v, got %v", f.clock, second.StartTime)
	}

	// The first session must be folded, ended at the second's start instant.
	day, err := f.folder.Day(ctx, "u1", "2026-08-30")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if day.SessionCount != 1 || day.TotalSeconds != 60 {
		t.Fatalf("previous session not folded: %#v", day)
	}

	current, err := f.recorder.Current(ctx, "u1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.ID != second.ID {
		t.Fatalf("expected marker for second session, got %s", current.ID)
	}
}

func TestEndWithoutOpenSession(t *testing.T) {
	f := newFixture(t)

	if _, err := f.recorder.EndSession(context.Background(), "u1"); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("expected ErrNoOpenSession, got %v", err)
	}
}

func TestHeartbeatBumpsMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.recorder.Heartbeat(ctx, "u1"); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("expected ErrNoOpenSession, got %v", err)
	}

	if _, err := f.recorder.StartSession(ctx, "u1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(5 * time.Minute)
	open, err := f.recorder.Heartbeat(ctx, "u1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if open.InteractionCount != 1 {
		t.Fatalf("expected 1 interaction, got %d", open.InteractionCount)
	}
	if !open.LastSeen.Equal(f.clock) {
		t.Fatalf("expected last seen %v, got %v", f.clock, open.LastSeen)
	}
}

func TestStartWhileTrackingDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enabled := false
	if _, err := f.settings.Update(ctx, "u1", &enabled, nil, nil, nil); err != nil {
		t.Fatalf("disable tracking: %v", err)
	}
	if _, err := f.recorder.StartSession(ctx, "u1", ""); !errors.Is(err, aggregates.ErrTrackingDisabled) {
		t.Fatalf("expected ErrTrackingDisabled, got %v", err)
	}
}

func TestRecoverAbandonedCreditsToLastSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.recorder.StartSession(ctx, "stale", ""); err != nil {
		t.Fatalf("start stale: %v", err)
	}
	f.advance(30 * time.Minute)
	if _, err := f.recorder.Heartbeat(ctx, "stale"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// Seven hours of silence exceeds the six-hour default threshold.
	f.advance(7 * time.Hour)
	if _, err := f.recorder.StartSession(ctx, "fresh", ""); err != nil {
		t.Fatalf("start fresh: %v", err)
	}

	recovered, err := f.recorder.RecoverAbandoned(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered session, got %d", recovered)
	}

	if _, err := f.recorder.Current(ctx, "stale"); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("stale marker must be removed, got %v", err)
	}
	if _, err := f.recorder.Current(ctx, "fresh"); err != nil {
		t.Fatalf("fresh marker must survive, got %v", err)
	}

	day, err := f.folder.Day(ctx, "stale", "2026-08-30")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	// Credited up to the last heartbeat, not to now.
	if day.TotalSeconds != 1800 || day.SessionCount != 1 {
		t.Fatalf("unexpected recovered fold: %#v", day)
	}
}

func TestRecoverNeverHeartbeatFoldsZeroLength(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.recorder.StartSession(ctx, "ghost", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.advance(8 * time.Hour)

	recovered, err := f.recorder.RecoverAbandoned(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered session, got %d", recovered)
	}

	day, err := f.folder.Day(ctx, "ghost", "2026-08-30")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if day.SessionCount != 1 || day.TotalSeconds != 0 {
		t.Fatalf("expected zero-length counted session, got %#v", day)
	}
	if day.ShortestSeconds != nil {
		t.Fatalf("zero-length abandoned session must not set shortest, got %v", *day.ShortestSeconds)
	}
}

func TestRecoverLeavesDisabledUsersClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.recorder.StartSession(ctx, "u1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	enabled := false
	if _, err := f.settings.Update(ctx, "u1", &enabled, nil, nil, nil); err != nil {
		t.Fatalf("disable tracking: %v", err)
	}
	f.advance(8 * time.Hour)

	// The fold is dropped but the stale marker still goes away.
	if _, err := f.recorder.RecoverAbandoned(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := f.recorder.Current(ctx, "u1"); !errors.Is(err, ErrNoOpenSession) {
		t.Fatalf("stale marker must be removed, got %v", err)
	}
	if _, err := f.folder.Day(ctx, "u1", "2026-08-30"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dropped fold must not create a day record, got %v", err)
	}
}
