package settings

import "time"

// Settings is the per-user tracking configuration. It is read on every fold
// to decide whether tracking is active.
type Settings struct {
	UserID              string    `json:"user_id"`
	TrackingEnabled     bool      `json:"tracking_enabled"`
	DailyGoalSeconds    int64     `json:"daily_goal_seconds"`
	AbandonAfterSeconds int64     `json:"abandon_after_seconds"`
	RetentionDays       int       `json:"retention_days"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

const (
	DefaultDailyGoalSeconds    = int64(2 * 60 * 60)
	DefaultAbandonAfterSeconds = int64(6 * 60 * 60)
	DefaultRetentionDays       = 30
)

// Default returns the settings applied to a user with no stored record.
func Default(userID string) Settings {
	return Settings{
		UserID:              userID,
		TrackingEnabled:     true,
		DailyGoalSeconds:    DefaultDailyGoalSeconds,
		AbandonAfterSeconds: DefaultAbandonAfterSeconds,
		RetentionDays:       DefaultRetentionDays,
	}
}
