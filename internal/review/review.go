// Package review hands a session's draft to a human reviewer and records
// the approve/deny decision that comes back as a callback token.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/draft"
	"github.com/resumai/resumai/internal/notify"
	"github.com/resumai/resumai/internal/store"
	"go.uber.org/zap"
)

// Callback token prefixes. The session id follows the prefix verbatim.
const (
	ApprovePrefix = "approve_"
	DenyPrefix    = "deny_"
)

var (
	// ErrNothingToReview is returned by Submit when the session has no draft.
	ErrNothingToReview = errors.New("nothing to review yet")
	// ErrUnknownOutcome is returned for an outcome other than approved or denied.
	ErrUnknownOutcome = errors.New("unknown review outcome")
)

// DeliveryError reports that the request was recorded but the reviewer
// notification could not be sent. The draft is left untouched.
type DeliveryError struct {
	RequestID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("review request %s recorded but notification failed: %v", e.RequestID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ApproveToken returns the callback payload approving sessionID's draft.
func ApproveToken(sessionID string) string { return ApprovePrefix + sessionID }

// DenyToken returns the callback payload denying sessionID's draft.
func DenyToken(sessionID string) string { return DenyPrefix + sessionID }

// ParseToken splits a callback payload into outcome and session id.
func ParseToken(text string) (domain.ReviewOutcome, string, bool) {
	switch {
	case strings.HasPrefix(text, ApprovePrefix):
		sid := strings.TrimPrefix(text, ApprovePrefix)
		return domain.OutcomeApproved, sid, sid != ""
	case strings.HasPrefix(text, DenyPrefix):
		sid := strings.TrimPrefix(text, DenyPrefix)
		return domain.OutcomeDenied, sid, sid != ""
	default:
		return "", "", false
	}
}

// Resolution is what Resolve did.
type Resolution struct {
	Outcome domain.ReviewOutcome
	// Resolved is false when there was no open request, e.g. a retried callback.
	Resolved bool
}

// Handoff submits drafts for review and records outcomes.
type Handoff struct {
	drafts   *draft.Accumulator
	repo     store.Repository
	notifier notify.Notifier
	target   string
	logger   *zap.Logger
}

// NewHandoff creates a review handoff notifying target through notifier.
func NewHandoff(drafts *draft.Accumulator, repo store.Repository, notifier notify.Notifier, target string, logger *zap.Logger) *Handoff {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handoff{
		drafts:   drafts,
		repo:     repo,
		notifier: notifier,
		target:   target,
		logger:   logger.Named("review"),
	}
}

// Submit snapshots the session's draft into an open review request and
// pings the reviewer with approve/deny actions for that session.
func (h *Handoff) Submit(ctx context.Context, sessionID, displayName string) (*domain.ReviewRequest, error) {
	rendered, err := h.drafts.Render(ctx, sessionID)
	if err != nil {
		if errors.Is(err, draft.ErrNotFound) {
			return nil, ErrNothingToReview
		}
		return nil, fmt.Errorf("render draft: %w", err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate review id: %w", err)
	}

	req, err := h.repo.UpsertReviewRequest(ctx, &domain.ReviewRequest{
		ID:        id,
		SessionID: sessionID,
		Draft:     rendered,
	})
	if err != nil {
		return nil, fmt.Errorf("store review request: %w", err)
	}

	msg := notify.Message{
		Target: h.target,
		Text:   notificationText(displayName, sessionID, rendered),
		Actions: []notify.Action{
			{Label: "Approve", Token: ApproveToken(sessionID)},
			{Label: "Deny", Token: DenyToken(sessionID)},
		},
	}
	receipt, err := h.notifier.Notify(ctx, msg)
	if err != nil {
		h.logger.Error("Failed to notify reviewer",
			zap.String("session_id", sessionID), zap.String("review_id", req.ID), zap.Error(err))
		return req, &DeliveryError{RequestID: req.ID, Err: err}
	}

	h.logger.Info("Draft submitted for review",
		zap.String("session_id", sessionID),
		zap.String("review_id", req.ID),
		zap.String("channel", receipt.Channel))
	return req, nil
}

// Resolve records the reviewer's decision for sessionID. Resolving a session
// without an open request succeeds with Resolved=false.
func (h *Handoff) Resolve(ctx context.Context, sessionID string, outcome domain.ReviewOutcome) (Resolution, error) {
	if outcome != domain.OutcomeApproved && outcome != domain.OutcomeDenied {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}

	resolved, err := h.repo.ResolveReviewRequest(ctx, sessionID, outcome)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve review request: %w", err)
	}
	if !resolved {
		h.logger.Info("No open review request, ignoring outcome",
			zap.String("session_id", sessionID), zap.String("outcome", string(outcome)))
		return Resolution{Outcome: outcome}, nil
	}

	h.logger.Info("Review resolved",
		zap.String("session_id", sessionID), zap.String("outcome", string(outcome)))
	return Resolution{Outcome: outcome, Resolved: true}, nil
}

// TakeNotice returns an outcome not yet shown to the applicant, at most once.
func (h *Handoff) TakeNotice(ctx context.Context, sessionID string) (domain.ReviewOutcome, bool) {
	outcome, ok, err := h.repo.TakeOutcomeNotice(ctx, sessionID)
	if err != nil {
		h.logger.Error("Failed to read review outcome notice", zap.String("session_id", sessionID), zap.Error(err))
		return "", false
	}
	return outcome, ok
}

func notificationText(displayName, sessionID, rendered string) string {
	if displayName == "" {
		displayName = "A user"
	}
	return fmt.Sprintf("%s requested a résumé review (session %s).\n\n%s", displayName, sessionID, rendered)
}
