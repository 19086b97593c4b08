package session

import "time"

// Session is one closed interval of tracked activity. It exists only in
// transit: once folded into its day's aggregate it is discarded.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Category         string    `json:"category,omitempty"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	DurationSeconds  int64     `json:"duration_seconds"`
	InteractionCount int       `json:"interaction_count"`
	Abandoned        bool      `json:"abandoned,omitempty"`
}

// Open is the persisted marker for a session that has started but not
// ended. It survives a process kill so the interval is not lost on restart.
type Open struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Category         string    `json:"category,omitempty"`
	StartTime        time.Time `json:"start_time"`
	LastSeen         time.Time `json:"last_seen"`
	InteractionCount int       `json:"interaction_count"`
}

// Close converts the open marker into a finished session ending at the
// given instant. An end before the start clamps to a zero duration.
func (o Open) Close(end time.Time, abandoned bool) Session {
	end = end.UTC()
	duration := int64(end.Sub(o.StartTime).Seconds())
	if duration < 0 {
		duration = 0
		end = o.StartTime
	}
	return Session{
		ID:               o.ID,
		UserID:           o.UserID,
		Category:         o.Category,
		StartTime:        o.StartTime,
		EndTime:          end,
		DurationSeconds:  duration,
		InteractionCount: o.InteractionCount,
		Abandoned:        abandoned,
	}
}
