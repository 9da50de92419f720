package diagnostics

import "time"

// Status is the outcome of a single check.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

type Item struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Report is served by the health route; HasFailures drives its 503.
type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`
	HasFailures bool      `json:"hasFailures"`
	Items       []Item    `json:"items"`
}

// Failures returns the failed items in check order.
func (r Report) Failures() []Item {
	var out []Item
	for _, item := range r.Items {
		if item.Status == StatusFail {
			out = append(out, item)
		}
	}
	return out
}
