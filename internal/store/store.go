// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/resumai/resumai/internal/domain"
)

// ErrNotFound is returned when an update targets a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for persisting identities, sessions,
// drafts, review requests and the interaction log.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// BindUser returns the session already bound to userID, or atomically
	// claims the free session (falling back to fallbackSessionID when none is
	// free) and binds it to a newly created user. created reports the latter.
	BindUser(ctx context.Context, userID, displayName, fallbackSessionID string) (sessionID string, created bool, err error)

	// CreateFreeSession inserts a free session unless one already exists.
	CreateFreeSession(ctx context.Context, sessionID string) (bool, error)

	// CountSessions counts sessions in the given status.
	CountSessions(ctx context.Context, status domain.SessionStatus) (int, error)

	// SetAuthoringMode overwrites the user's authoring mode.
	SetAuthoringMode(ctx context.Context, userID string, mode domain.AuthoringMode) error

	// PutDraftSection upserts one section; the first write fixes its position.
	PutDraftSection(ctx context.Context, sessionID, section, content string) error

	// ListDraftSections returns the sections of a draft in insertion order.
	ListDraftSections(ctx context.Context, sessionID string) ([]domain.DraftSection, error)

	// DeleteDraft removes every section of a session's draft.
	DeleteDraft(ctx context.Context, sessionID string) error

	// UpsertReviewRequest opens a review request for the session, refreshing
	// the snapshot of an already open one instead of creating a second.
	UpsertReviewRequest(ctx context.Context, req *domain.ReviewRequest) (*domain.ReviewRequest, error)

	// GetOpenReviewRequest returns the open request for a session or nil.
	GetOpenReviewRequest(ctx context.Context, sessionID string) (*domain.ReviewRequest, error)

	// ResolveReviewRequest resolves the open request and clears the draft.
	// resolved is false when no request was open.
	ResolveReviewRequest(ctx context.Context, sessionID string, outcome domain.ReviewOutcome) (resolved bool, err error)

	// TakeOutcomeNotice returns the latest undelivered outcome and marks it delivered.
	TakeOutcomeNotice(ctx context.Context, sessionID string) (domain.ReviewOutcome, bool, error)

	// AppendInteraction writes one audit record.
	AppendInteraction(ctx context.Context, in *domain.Interaction) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
