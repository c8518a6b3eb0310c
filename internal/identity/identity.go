// Package identity turns chat platform user ids into durable sessions and
// tracks each user's authoring mode.
package identity

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/store"
	"go.uber.org/zap"
)

// DefaultStoreTimeout bounds every store call made while resolving a turn.
const DefaultStoreTimeout = 3 * time.Second

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// IsValidUserID reports whether the id only contains ASCII letters and digits.
func IsValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Resolution is the outcome of resolving a user to a session.
type Resolution struct {
	SessionID string
	IsNew     bool
	// Degraded is set when the store could not be reached and SessionID is
	// an ephemeral id that was never persisted.
	Degraded bool
}

// Store resolves users to sessions. Store failures never propagate: callers
// get safe defaults (treat as new user, mode unset) and the error is logged.
type Store struct {
	repo    store.Repository
	alloc   *Allocator
	timeout time.Duration
	logger  *zap.Logger
}

// NewStore creates an identity store backed by repo.
func NewStore(repo store.Repository, alloc *Allocator, timeout time.Duration, logger *zap.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:    repo,
		alloc:   alloc,
		timeout: timeout,
		logger:  logger.Named("identity"),
	}
}

// Resolve returns the user's session, binding a new one on first contact.
func (s *Store) Resolve(ctx context.Context, userID, displayName string) Resolution {
	if !IsValidUserID(userID) {
		s.logger.Warn("Potentially invalid characters in user_id", zap.String("user_id", userID))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sessionID, created, err := s.repo.BindUser(ctx, userID, displayName, s.alloc.NewID())
	if err != nil {
		s.logger.Error("Identity store unavailable, treating user as new",
			zap.String("user_id", userID), zap.Error(err))
		return Resolution{SessionID: s.alloc.NewID(), IsNew: true, Degraded: true}
	}

	if !created {
		s.logger.Debug("User has existing session",
			zap.String("user_id", userID), zap.String("session_id", sessionID))
		return Resolution{SessionID: sessionID}
	}

	s.logger.Info("Bound new user to session",
		zap.String("user_id", userID), zap.String("session_id", sessionID))
	s.alloc.Replenish()
	return Resolution{SessionID: sessionID, IsNew: true}
}

// GetAuthoringMode returns the user's mode, or ModeUnset when the user is
// unknown or the store is unreachable.
func (s *Store) GetAuthoringMode(ctx context.Context, userID string) domain.AuthoringMode {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to read authoring mode", zap.String("user_id", userID), zap.Error(err))
		return domain.ModeUnset
	}
	if user == nil {
		return domain.ModeUnset
	}
	return user.AuthoringMode
}

// SetAuthoringMode overwrites the user's mode and reports success.
func (s *Store) SetAuthoringMode(ctx context.Context, userID string, mode domain.AuthoringMode) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.SetAuthoringMode(ctx, userID, mode); err != nil {
		level := zap.ErrorLevel
		if errors.Is(err, store.ErrNotFound) {
			level = zap.WarnLevel
		}
		s.logger.Log(level, "Failed to set authoring mode",
			zap.String("user_id", userID), zap.String("mode", string(mode)), zap.Error(err))
		return false
	}
	s.logger.Info("Authoring mode set", zap.String("user_id", userID), zap.String("mode", string(mode)))
	return true
}
