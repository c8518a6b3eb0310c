package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a session id.
type SessionStatus string

const (
	// SessionFree marks a pre-allocated session awaiting its first user.
	SessionFree SessionStatus = "free"
	// SessionBound marks a session permanently owned by one user.
	SessionBound SessionStatus = "bound"
)

// Session is a durable conversational context shared with the generation backend.
type Session struct {
	SessionID string
	Status    SessionStatus
	UserID    string
	CreatedAt time.Time
	BoundAt   *time.Time
}

// IsFree returns true if the session has not been bound to a user.
func (s *Session) IsFree() bool {
	return s.Status == SessionFree
}
