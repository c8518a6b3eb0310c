package domain

import (
	"time"
)

// Interaction is an append-only audit record of one inbound message.
type Interaction struct {
	UserID        string
	DisplayName   string
	SessionID     string
	MessageID     string
	ChannelID     string
	PlatformTime  string
	SiteURL       string
	IsBot         bool
	HadFiles      bool
	AuthoringMode AuthoringMode
	Intent        string
	CreatedAt     time.Time
}
