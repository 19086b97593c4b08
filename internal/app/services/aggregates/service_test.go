package aggregates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/session"
	"github.com/haven-app/usage_layer/internal/app/domain/user"
	settingssvc "github.com/haven-app/usage_layer/internal/app/services/settings"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/internal/app/storage/kvstore"
	"github.com/haven-app/usage_layer/internal/app/storage/memory"
)

type fixture struct {
	store    *kvstore.Store
	settings *settingssvc.Service
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kvstore.New(memory.New())
	resolver := settingssvc.New(store, nil)
	return &fixture{
		store:    store,
		settings: resolver,
		service:  New(store, store, resolver, nil),
	}
}

func closedSession(userID string, start time.Time, seconds int64, category string) session.Session {
	return session.Session{
		ID:              userID + start.Format(time.RFC3339),
		UserID:          userID,
		Category:        category,
		StartTime:       start,
		EndTime:         start.Add(time.Duration(seconds) * time.Second),
		DurationSeconds: seconds,
	}
}

func TestFoldAccumulatesDayStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	for _, s := range []session.Session{
		closedSession("u1", start, 10, "reading"),
		closedSession("u1", start.Add(time.Hour), 30, "reading"),
		closedSession("u1", start.Add(2*time.Hour), 20, "games"),
	} {
		if _, err := f.service.Fold(ctx, s); err != nil {
			t.Fatalf("fold: %v", err)
		}
	}

	day, err := f.service.Day(ctx, "u1", "2026-08-30")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if day.TotalSeconds != 60 {
		t.Fatalf("expected total 60, got %d", day.TotalSeconds)
	}
	if day.SessionCount != 3 {
		t.Fatalf("expected 3 sessions, got %d", day.SessionCount)
	}
	if day.LongestSeconds != 30 {
		t.Fatalf("expected longest 30, got %d", day.LongestSeconds)
	}
	if day.ShortestSeconds == nil || *day.ShortestSeconds != 10 {
		t.Fatalf("expected shortest 10, got %v", day.ShortestSeconds)
	}
	if day.AverageSeconds != 20 {
		t.Fatalf("expected average 20, got %f", day.AverageSeconds)
	}
	if day.Categories["reading"] != 40 || day.Categories["games"] != 20 {
		t.Fatalf("unexpected category breakdown: %v", day.Categories)
	}
	if !day.FirstOpen.Equal(start) {
		t.Fatalf("expected first open %v, got %v", start, day.FirstOpen)
	}
	wantClose := start.Add(2*time.Hour + 20*time.Second)
	if !day.LastClose.Equal(wantClose) {
		t.Fatalf("expected last close %v, got %v", wantClose, day.LastClose)
	}
}

func TestDayWithoutSessionsIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Day(context.Background(), "u1", "2026-08-30")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFoldZeroLengthAbandonedCountsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	ghost := closedSession("u1", start, 0, "")
	ghost.Abandoned = true
	if _, err := f.service.Fold(ctx, ghost); err != nil {
		t.Fatalf("fold ghost: %v", err)
	}
	if _, err := f.service.Fold(ctx, closedSession("u1", start.Add(time.Hour), 40, "")); err != nil {
		t.Fatalf("fold: %v", err)
	}

	day, err := f.service.Day(ctx, "u1", "2026-08-30")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if day.SessionCount != 2 {
		t.Fatalf("expected 2 sessions, got %d", day.SessionCount)
	}
	if day.ShortestSeconds == nil || *day.ShortestSeconds != 40 {
		t.Fatalf("ghost session must not set shortest, got %v", day.ShortestSeconds)
	}
}

func TestFoldRespectsDisabledTracking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enabled := false
	if _, err := f.settings.Update(ctx, "u1", &enabled, nil, nil, nil); err != nil {
		t.Fatalf("disable tracking: %v", err)
	}

	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if _, err := f.service.Fold(ctx, closedSession("u1", start, 10, "")); !errors.Is(err, ErrTrackingDisabled) {
		t.Fatalf("expected ErrTrackingDisabled, got %v", err)
	}
	if _, err := f.service.Day(ctx, "u1", "2026-08-30"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("dropped session must not create a day record, got %v", err)
	}
}

func TestFoldBucketsByUserTimezone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.CreateUser(ctx, user.User{ID: "kiwi", DisplayName: "kiwi", Timezone: "Pacific/Auckland"}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	// 13:00 UTC on the 30th is already past midnight on the 31st in Auckland.
	start := time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC)
	if _, err := f.service.Fold(ctx, closedSession("kiwi", start, 60, "")); err != nil {
		t.Fatalf("fold: %v", err)
	}

	if _, err := f.service.Day(ctx, "kiwi", "2026-08-31"); err != nil {
		t.Fatalf("expected session bucketed into local day, got %v", err)
	}
	if _, err := f.service.Day(ctx, "kiwi", "2026-08-30"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no record on the UTC day, got %v", err)
	}
}

func TestConcurrentFoldsAllLand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := closedSession("u1", start.Add(time.Duration(i)*time.Minute), int64(10+i), "")
			if _, err := f.service.Fold(ctx, s); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("fold: %v", err)
	}

	day, err := f.service.Day(ctx, "u1", "2026-08-30")
	if err != nil {
		t.Fatalf("day: %v", err)
	}
	if day.SessionCount != workers {
		t.Fatalf("expected %d sessions, got %d", workers, day.SessionCount)
	}
	want := int64(0)
	for i := 0; i < workers; i++ {
		want += int64(10 + i)
	}
	if day.TotalSeconds != want {
		t.Fatalf("expected total %d, got %d", want, day.TotalSeconds)
	}
}

func TestRangeFiltersAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, date := range []string{"2026-08-28", "2026-08-26", "2026-08-30", "2026-08-24"} {
		start, _ := time.Parse(aggregate.DayKeyLayout, date)
		if _, err := f.service.Fold(ctx, closedSession("u1", start.Add(9*time.Hour), 10, "")); err != nil {
			t.Fatalf("fold %s: %v", date, err)
		}
	}

	days, err := f.service.Range(ctx, "u1", "2026-08-26", "2026-08-28")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(days))
	}
	if days[0].Date != "2026-08-26" || days[1].Date != "2026-08-28" {
		t.Fatalf("unexpected order: %s, %s", days[0].Date, days[1].Date)
	}
}

func TestCleanupDeletesStrictlyOlderThanRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ages := []int{45, 31, 30, 29, 1}
	for _, age := range ages {
		start := now.AddDate(0, 0, -age)
		if _, err := f.service.Fold(ctx, closedSession("u1", start, 10, "")); err != nil {
			t.Fatalf("fold age %d: %v", age, err)
		}
	}

	deleted, err := f.service.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	remaining, err := f.service.Range(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("expected 3 remaining days, got %d", len(remaining))
	}
	cutoff := aggregate.DayKey(now.AddDate(0, 0, -30), time.UTC)
	for _, d := range remaining {
		if d.Date < cutoff {
			t.Fatalf("stale record survived cleanup: %s", d.Date)
		}
	}
}

func TestSweeperAppliesPerUserRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"short", "long"} {
		if _, err := f.store.CreateUser(ctx, user.User{ID: id, DisplayName: id, Timezone: "UTC"}); err != nil {
			t.Fatalf("create user: %v", err)
		}
		for _, age := range []int{20, 2} {
			start := now.AddDate(0, 0, -age)
			if _, err := f.service.Fold(ctx, closedSession(id, start, 10, "")); err != nil {
				t.Fatalf("fold: %v", err)
			}
		}
	}
	retention := 10
	if _, err := f.settings.Update(ctx, "short", nil, nil, nil, &retention); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	sweeper := NewSweeper(f.service, f.store, f.settings, "", nil)
	sweeper.sweep(ctx)

	shortDays, err := f.service.Range(ctx, "short", "", "")
	if err != nil {
		t.Fatalf("range short: %v", err)
	}
	if len(shortDays) != 1 {
		t.Fatalf("expected 1 day left for short retention, got %d", len(shortDays))
	}
	longDays, err := f.service.Range(ctx, "long", "", "")
	if err != nil {
		t.Fatalf("range long: %v", err)
	}
	if len(longDays) != 2 {
		t.Fatalf("expected default retention to keep both days, got %d", len(longDays))
	}
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.service, f.store, f.settings, "@every 1h", nil)

	ctx := context.Background()
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sweeper.Start(ctx); err == nil {
		t.Fatal("expected error starting twice")
	}
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
