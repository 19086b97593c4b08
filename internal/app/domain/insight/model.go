package insight

import "time"

// Kind selects how a rule is evaluated.
type Kind string

const (
	// KindThreshold compares a value selected from the day record against a
	// fixed threshold.
	KindThreshold Kind = "threshold"
	// KindScript runs a user-supplied JavaScript snippet against the day
	// record and emits whatever string it evaluates to.
	KindScript Kind = "script"
)

// Operator is the comparison applied by threshold rules.
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
)

// Rule is a user-defined insight rule evaluated against the current day's
// aggregate. Selector is a gjson path, or a JSONPath expression when it
// begins with "$".
type Rule struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Selector  string    `json:"selector,omitempty"`
	Operator  Operator  `json:"operator,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Message   string    `json:"message,omitempty"`
	Source    string    `json:"source,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Suggestion is one generated insight.
type Suggestion struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
