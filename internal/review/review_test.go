package review

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/draft"
	"github.com/resumai/resumai/internal/notify"
	"github.com/resumai/resumai/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingNotifier struct {
	messages []notify.Message
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) (notify.Receipt, error) {
	if r.err != nil {
		return notify.Receipt{}, r.err
	}
	r.messages = append(r.messages, msg)
	return notify.Receipt{Channel: "test"}, nil
}

func newTestHandoff(t *testing.T, n notify.Notifier) (*Handoff, *draft.Accumulator) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "review.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	acc := draft.NewAccumulator(repo)
	return NewHandoff(acc, repo, n, "", zaptest.NewLogger(t)), acc
}

func TestSubmitWithoutDraft(t *testing.T) {
	n := &recordingNotifier{}
	h, _ := newTestHandoff(t, n)

	_, err := h.Submit(context.Background(), "sid", "Ada")
	require.ErrorIs(t, err, ErrNothingToReview)
	assert.Empty(t, n.messages)
}

func TestSubmitSendsOneNotificationWithBothTokens(t *testing.T) {
	n := &recordingNotifier{}
	h, acc := newTestHandoff(t, n)
	ctx := context.Background()

	_, err := acc.Put(ctx, "sid-1", "experience", "Worked at Acme")
	require.NoError(t, err)

	req, err := h.Submit(ctx, "sid-1", "Ada")
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "Experience: Worked at Acme", req.Draft)

	require.Len(t, n.messages, 1)
	msg := n.messages[0]
	assert.Contains(t, msg.Text, "Worked at Acme")
	require.Len(t, msg.Actions, 2)
	assert.Equal(t, "approve_sid-1", msg.Actions[0].Token)
	assert.Equal(t, "deny_sid-1", msg.Actions[1].Token)
}

func TestSubmitDeliveryFailureKeepsDraft(t *testing.T) {
	n := &recordingNotifier{err: errors.New("telegram down")}
	h, acc := newTestHandoff(t, n)
	ctx := context.Background()

	_, err := acc.Put(ctx, "sid", "skills", "Go")
	require.NoError(t, err)

	req, err := h.Submit(ctx, "sid", "Ada")
	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	require.NotNil(t, req)
	assert.Equal(t, req.ID, delivery.RequestID)

	rendered, err := acc.Render(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "Skills: Go", rendered)
}

func TestResolveIsIdempotent(t *testing.T) {
	n := &recordingNotifier{}
	h, acc := newTestHandoff(t, n)
	ctx := context.Background()

	_, err := acc.Put(ctx, "sid", "skills", "Go")
	require.NoError(t, err)
	_, err = h.Submit(ctx, "sid", "Ada")
	require.NoError(t, err)

	first, err := h.Resolve(ctx, "sid", domain.OutcomeApproved)
	require.NoError(t, err)
	assert.True(t, first.Resolved)

	second, err := h.Resolve(ctx, "sid", domain.OutcomeApproved)
	require.NoError(t, err)
	assert.False(t, second.Resolved)
	assert.Len(t, n.messages, 1)

	outcome, ok := h.TakeNotice(ctx, "sid")
	assert.True(t, ok)
	assert.Equal(t, domain.OutcomeApproved, outcome)

	_, ok = h.TakeNotice(ctx, "sid")
	assert.False(t, ok)

	_, err = acc.Render(ctx, "sid")
	require.ErrorIs(t, err, draft.ErrNotFound)
}

func TestResolveWithoutRequest(t *testing.T) {
	h, _ := newTestHandoff(t, &recordingNotifier{})

	res, err := h.Resolve(context.Background(), "unknown", domain.OutcomeDenied)
	require.NoError(t, err)
	assert.False(t, res.Resolved)

	_, err = h.Resolve(context.Background(), "unknown", domain.ReviewOutcome("maybe"))
	require.ErrorIs(t, err, ErrUnknownOutcome)
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		in      string
		outcome domain.ReviewOutcome
		sid     string
		ok      bool
	}{
		{"approve_2f1c", domain.OutcomeApproved, "2f1c", true},
		{"deny_2f1c-aa", domain.OutcomeDenied, "2f1c-aa", true},
		{"approve_", "", "", false},
		{"approved", "", "", false},
		{"hello", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			outcome, sid, ok := ParseToken(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.outcome, outcome)
				assert.Equal(t, tt.sid, sid)
			}
		})
	}
}
