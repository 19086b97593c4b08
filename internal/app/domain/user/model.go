package user

import "time"

// User is a tracked person. Timezone is the IANA zone used to bucket that
// user's sessions into calendar days; all stored timestamps are UTC.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Location resolves the user's timezone, falling back to UTC when the zone
// is unset or unknown.
func (u User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
