package domain

import (
	"time"
)

// ReviewStatus is the state of a review request.
type ReviewStatus string

const (
	ReviewOpen     ReviewStatus = "open"
	ReviewResolved ReviewStatus = "resolved"
)

// ReviewOutcome is the reviewer's decision.
type ReviewOutcome string

const (
	OutcomeApproved ReviewOutcome = "approved"
	OutcomeDenied   ReviewOutcome = "denied"
)

// ReviewRequest records a draft submitted to a human reviewer.
type ReviewRequest struct {
	ID         string
	SessionID  string
	Draft      string
	Status     ReviewStatus
	Outcome    ReviewOutcome
	CreatedAt  time.Time
	ResolvedAt *time.Time
	NotifiedAt *time.Time
}

// IsOpen returns true until the request is resolved.
func (r *ReviewRequest) IsOpen() bool {
	return r.Status == ReviewOpen
}
