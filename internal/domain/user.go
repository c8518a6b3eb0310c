// Package domain contains core domain types for the résumé assistant.
package domain

import (
	"time"
)

// AuthoringMode tracks whether a user is drafting a new résumé or editing one.
type AuthoringMode string

const (
	// ModeUnset means the user has not picked a mode yet.
	ModeUnset AuthoringMode = "unset"
	// ModeCreating means the user is drafting a new résumé.
	ModeCreating AuthoringMode = "creating"
	// ModeEditing means the user is revising an existing résumé.
	ModeEditing AuthoringMode = "editing"
)

// ParseAuthoringMode converts a stored value into an AuthoringMode.
// Unknown values map to ModeUnset.
func ParseAuthoringMode(s string) AuthoringMode {
	switch AuthoringMode(s) {
	case ModeCreating:
		return ModeCreating
	case ModeEditing:
		return ModeEditing
	default:
		return ModeUnset
	}
}

// User represents a chat platform user bound to exactly one session.
type User struct {
	UserID        string        `json:"user_id"`
	DisplayName   string        `json:"display_name"`
	SessionID     string        `json:"session_id"`
	AuthoringMode AuthoringMode `json:"authoring_mode"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HasChosenMode returns true once the user picked creating or editing.
func (u *User) HasChosenMode() bool {
	return u.AuthoringMode == ModeCreating || u.AuthoringMode == ModeEditing
}
