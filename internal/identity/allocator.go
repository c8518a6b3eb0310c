package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resumai/resumai/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const replenishKey = "free-session"

// Allocator mints session ids and keeps the one-slot free pool topped up.
type Allocator struct {
	repo    store.Repository
	timeout time.Duration
	logger  *zap.Logger

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewAllocator creates an allocator. timeout bounds each replenishment.
func NewAllocator(repo store.Repository, timeout time.Duration, logger *zap.Logger) *Allocator {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{
		repo:    repo,
		timeout: timeout,
		logger:  logger.Named("allocator"),
	}
}

// NewID returns a fresh random session id.
func (a *Allocator) NewID() string {
	return uuid.NewString()
}

// EnsureFree creates a free session unless one already exists.
// created is false when the slot was already occupied.
func (a *Allocator) EnsureFree(ctx context.Context) (bool, error) {
	v, err, _ := a.group.Do(replenishKey, func() (any, error) {
		sessionID := a.NewID()
		created, err := a.repo.CreateFreeSession(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if created {
			a.logger.Info("Reserved new free session for future assignment", zap.String("session_id", sessionID))
		}
		return created, nil
	})
	if err != nil {
		return false, fmt.Errorf("ensure free session: %w", err)
	}
	return v.(bool), nil
}

// Replenish schedules EnsureFree in the background. Failure is logged only;
// the next new user then gets a synthesized session.
func (a *Allocator) Replenish() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if _, err := a.EnsureFree(ctx); err != nil {
			a.logger.Error("Error creating replacement free session", zap.Error(err))
		}
	}()
}

// Wait blocks until every scheduled replenishment has finished.
func (a *Allocator) Wait() {
	a.wg.Wait()
}
