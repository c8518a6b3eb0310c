package domain

import (
	"time"
)

// DraftSection is the latest authored content of one résumé section.
type DraftSection struct {
	SessionID string
	Name      string
	Content   string
	Position  int
	UpdatedAt time.Time
}
