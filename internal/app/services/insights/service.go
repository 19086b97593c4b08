package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/insight"
	"github.com/haven-app/usage_layer/internal/app/domain/settings"
	"github.com/haven-app/usage_layer/internal/app/storage"
	"github.com/haven-app/usage_layer/pkg/logger"
)

// Trend deadband: the last three days must reach 120% of the first three to
// count as increasing, or fall to 80% to count as decreasing.
const (
	trendUpRatio   = 1.2
	trendDownRatio = 0.8
)

// SettingsResolver yields a user's effective settings, defaults included.
type SettingsResolver interface {
	For(ctx context.Context, userID string) (settings.Settings, error)
}

// Service derives weekly rollups and suggestions from daily aggregates.
// Nothing it produces is persisted.
type Service struct {
	store    storage.AggregateStore
	rules    storage.RuleStore
	users    storage.UserStore
	settings SettingsResolver
	log      *logger.Logger
	now      func() time.Time
}

// New creates a configured insights service.
func New(store storage.AggregateStore, rules storage.RuleStore, users storage.UserStore, resolver SettingsResolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("insights")
	}
	return &Service{
		store:    store,
		rules:    rules,
		users:    users,
		settings: resolver,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WeeklyRollup summarizes the Monday-anchored week containing anchor, in
// the user's timezone. Days without sessions contribute zeros.
func (s *Service) WeeklyRollup(ctx context.Context, userID string, anchor time.Time) (aggregate.WeeklyRollup, error) {
	loc := s.userLocation(ctx, userID)
	weekStart := aggregate.WeekStart(anchor, loc)

	rollup := aggregate.WeeklyRollup{
		UserID:    userID,
		WeekStart: weekStart.Format(aggregate.DayKeyLayout),
		DayTotals: make([]int64, 7),
	}
	for i := 0; i < 7; i++ {
		date := weekStart.AddDate(0, 0, i).Format(aggregate.DayKeyLayout)
		day, err := s.store.GetDay(ctx, userID, date)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return aggregate.WeeklyRollup{}, err
		}
		rollup.DayTotals[i] = day.TotalSeconds
		rollup.TotalSeconds += day.TotalSeconds
		rollup.SessionCount += day.SessionCount
		if day.SessionCount > 0 {
			rollup.ActiveDays++
		}
	}
	rollup.AverageDaySeconds = float64(rollup.TotalSeconds) / 7
	rollup.Trend = classifyTrend(rollup.DayTotals)
	return rollup, nil
}

// classifyTrend compares the last three days of the week against the first
// three, with a 20% deadband either side of flat.
func classifyTrend(dayTotals []int64) aggregate.Trend {
	var first, last int64
	for i := 0; i < 3; i++ {
		first += dayTotals[i]
		last += dayTotals[len(dayTotals)-3+i]
	}
	if first == 0 {
		if last > 0 {
			return aggregate.TrendIncreasing
		}
		return aggregate.TrendStable
	}
	ratio := float64(last) / float64(first)
	switch {
	case ratio >= trendUpRatio:
		return aggregate.TrendIncreasing
	case ratio <= trendDownRatio:
		return aggregate.TrendDecreasing
	default:
		return aggregate.TrendStable
	}
}

// longSessionSeconds is the fixed threshold for the long-session insight.
const longSessionSeconds = int64(2 * 60 * 60)

// streakDays is how many consecutive active days earn the streak insight.
const streakDays = 7

// Insights evaluates the built-in rules and the user's custom rules against
// today's record. A day with no sessions yields only custom script rules
// that fire on an all-zero record, which in practice means none.
func (s *Service) Insights(ctx context.Context, userID string) ([]insight.Suggestion, error) {
	loc := s.userLocation(ctx, userID)
	now := s.now()
	today := aggregate.DayKey(now, loc)

	day, err := s.store.GetDay(ctx, userID, today)
	if errors.Is(err, storage.ErrNotFound) {
		day = aggregate.Daily{UserID: userID, Date: today}
	} else if err != nil {
		return nil, err
	}

	var out []insight.Suggestion

	goal := settings.DefaultDailyGoalSeconds
	if s.settings != nil {
		cfg, err := s.settings.For(ctx, userID)
		if err != nil {
			return nil, err
		}
		goal = cfg.DailyGoalSeconds
	}
	if day.TotalSeconds >= goal {
		out = append(out, insight.Suggestion{
			Code:    "daily_goal_reached",
			Message: fmt.Sprintf("You reached your daily goal of %s.", secondsToClock(goal)),
		})
	}
	if day.LongestSeconds >= longSessionSeconds {
		out = append(out, insight.Suggestion{
			Code:    "long_session",
			Message: fmt.Sprintf("Your longest session today ran %s. Consider a break next time.", secondsToClock(day.LongestSeconds)),
		})
	}

	rollup, err := s.WeeklyRollup(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if rollup.Trend == aggregate.TrendIncreasing {
		out = append(out, insight.Suggestion{
			Code:    "usage_increasing",
			Message: "Your usage is trending up this week.",
		})
	}

	streak, err := s.activeStreak(ctx, userID, today)
	if err != nil {
		return nil, err
	}
	if streak >= streakDays {
		out = append(out, insight.Suggestion{
			Code:    "streak",
			Message: fmt.Sprintf("%d days active in a row.", streak),
		})
	}

	custom, err := s.evalCustomRules(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	return append(out, custom...), nil
}

// activeStreak counts consecutive days with sessions, ending today.
func (s *Service) activeStreak(ctx context.Context, userID, today string) (int, error) {
	days, err := s.store.ListDays(ctx, userID)
	if err != nil {
		return 0, err
	}
	active := make(map[string]bool, len(days))
	for _, d := range days {
		if d.SessionCount > 0 {
			active[d.Date] = true
		}
	}

	anchor, err := time.Parse(aggregate.DayKeyLayout, today)
	if err != nil {
		return 0, err
	}
	streak := 0
	for active[anchor.AddDate(0, 0, -streak).Format(aggregate.DayKeyLayout)] {
		streak++
	}
	return streak, nil
}

// evalCustomRules runs the user's enabled rules. A broken rule is logged
// and skipped, never fatal for the remaining rules.
func (s *Service) evalCustomRules(ctx context.Context, userID string, day aggregate.Daily) ([]insight.Suggestion, error) {
	if s.rules == nil {
		return nil, nil
	}
	rules, err := s.rules.ListRules(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []insight.Suggestion
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		suggestion, fired, err := evalRule(ctx, rule, day)
		if err != nil {
			s.log.WithError(err).
				WithField("user_id", userID).
				WithField("rule_id", rule.ID).
				Warn("insight rule evaluation failed")
			continue
		}
		if fired {
			out = append(out, suggestion)
		}
	}
	return out, nil
}

// CreateRule validates and stores a custom rule.
func (s *Service) CreateRule(ctx context.Context, rule insight.Rule) (insight.Rule, error) {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.Selector = strings.TrimSpace(rule.Selector)
	if rule.UserID == "" {
		return insight.Rule{}, fmt.Errorf("user_id is required")
	}
	if rule.Name == "" {
		return insight.Rule{}, fmt.Errorf("name is required")
	}
	switch rule.Kind {
	case insight.KindThreshold:
		if rule.Selector == "" {
			return insight.Rule{}, fmt.Errorf("selector is required for threshold rules")
		}
		switch rule.Operator {
		case insight.OpGreater, insight.OpGreaterEqual, insight.OpLess, insight.OpLessEqual:
		default:
			return insight.Rule{}, fmt.Errorf("unknown operator %q", rule.Operator)
		}
	case insight.KindScript:
		if strings.TrimSpace(rule.Source) == "" {
			return insight.Rule{}, fmt.Errorf("source is required for script rules")
		}
	default:
		return insight.Rule{}, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Enabled = true

	created, err := s.rules.CreateRule(ctx, rule)
	if err != nil {
		return insight.Rule{}, err
	}
	s.log.WithField("user_id", rule.UserID).
		WithField("rule_id", created.ID).
		WithField("kind", string(created.Kind)).
		Info("insight rule created")
	return created, nil
}

// ListRules returns the user's custom rules.
func (s *Service) ListRules(ctx context.Context, userID string) ([]insight.Rule, error) {
	return s.rules.ListRules(ctx, userID)
}

// DeleteRule removes one custom rule.
func (s *Service) DeleteRule(ctx context.Context, userID, id string) error {
	return s.rules.DeleteRule(ctx, userID, id)
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

func secondsToClock(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	return d.String()
}
