package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/draft"
	"github.com/resumai/resumai/internal/generation"
	"github.com/resumai/resumai/internal/identity"
	"github.com/resumai/resumai/internal/ingest"
	"github.com/resumai/resumai/internal/notify"
	"github.com/resumai/resumai/internal/prompt"
	"github.com/resumai/resumai/internal/review"
	"github.com/resumai/resumai/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type fakeGenerator struct {
	mu        sync.Mutex
	requests  []generation.Request
	retrieves []generation.RetrieveRequest
	result    generation.Result
	guidance  string
	err       error
	panicMsg  string
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request) (*generation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func (f *fakeGenerator) Retrieve(_ context.Context, req generation.RetrieveRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieves = append(f.retrieves, req)
	return f.guidance, nil
}

type fakeIngester struct {
	mu      sync.Mutex
	report  ingest.LinkReport
	filesOK bool
	files   []ingest.Attachment
}

func (f *fakeIngester) IngestLinks(context.Context, string, string) ingest.LinkReport {
	return f.report
}

func (f *fakeIngester) IngestFiles(_ context.Context, _, _ string, files []ingest.Attachment) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, files...)
	return f.filesOK
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) (notify.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return notify.Receipt{}, r.err
	}
	r.messages = append(r.messages, msg)
	return notify.Receipt{Channel: "test"}, nil
}

func (r *recordingNotifier) sent() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.messages...)
}

type harness struct {
	d        *Dispatcher
	repo     *store.SQLiteStore
	alloc    *identity.Allocator
	ids      *identity.Store
	gen      *fakeGenerator
	ingester *fakeIngester
	notifier *recordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"), log)
	require.NoError(t, err)

	alloc := identity.NewAllocator(repo, time.Second, log)
	ids := identity.NewStore(repo, alloc, time.Second, log)
	acc := draft.NewAccumulator(repo)
	notifier := &recordingNotifier{}
	gen := &fakeGenerator{result: generation.Result{Text: "Use strong action verbs."}}
	ing := &fakeIngester{filesOK: true}

	t.Cleanup(func() {
		alloc.Wait()
		_ = repo.Close()
	})

	d := New(Deps{
		Identity:     ids,
		Drafts:       acc,
		Reviews:      review.NewHandoff(acc, repo, notifier, "", log),
		Generator:    gen,
		Ingester:     ing,
		Interactions: repo,
		Prompt:       prompt.Static("You are a résumé coach."),
		Logger:       log,
	}, cfg)

	return &harness{d: d, repo: repo, alloc: alloc, ids: ids, gen: gen, ingester: ing, notifier: notifier}
}

// known registers the user and consumes the welcome turn.
func (h *harness) known(t *testing.T, userID string, mode domain.AuthoringMode) {
	t.Helper()
	h.d.HandleTurn(context.Background(), Turn{UserID: userID, DisplayName: userID, Text: "hi"})
	h.alloc.Wait()
	if mode != domain.ModeUnset {
		require.True(t, h.ids.SetAuthoringMode(context.Background(), userID, mode))
	}
}

func (h *harness) interactions(t *testing.T, userID string) []string {
	t.Helper()
	records, err := h.repo.ListInteractions(context.Background(), userID, 0)
	require.NoError(t, err)
	intents := make([]string, 0, len(records))
	for _, r := range records {
		intents = append(intents, r.Intent)
	}
	return intents
}

func actionMsgs(r Reply) []string {
	var out []string
	for _, a := range r.Actions {
		out = append(out, a.Msg)
	}
	return out
}

func TestBotEchoIsIgnoredButLogged(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})

	reply := h.d.HandleTurn(context.Background(), Turn{UserID: "bot1", Text: "resume_create", IsBotEcho: true})
	assert.True(t, reply.Ignored)
	assert.Empty(t, reply.Text)
	assert.Equal(t, []string{"bot_echo"}, h.interactions(t, "bot1"))

	user, err := h.repo.GetUser(context.Background(), "bot1")
	require.NoError(t, err)
	assert.Nil(t, user, "bot echoes never create identities")
}

func TestNewUserIsWelcomedWithoutProcessingText(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})

	reply := h.d.HandleTurn(context.Background(), Turn{UserID: "u1", DisplayName: "Ada", Text: "create_skills_Go"})
	assert.Contains(t, reply.Text, "Ada")
	assert.Equal(t, []string{CmdCreateResume, CmdEditResume}, actionMsgs(reply))

	sections, err := h.repo.ListDraftSections(context.Background(), "any")
	require.NoError(t, err)
	assert.Empty(t, sections)
	assert.Equal(t, []string{"welcome"}, h.interactions(t, "u1"))
}

func TestFileUploadIgnoresMode(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeUnset)

	files := []ingest.Attachment{{ID: "f1", Name: "cv.pdf", Type: "application/pdf"}}
	reply := h.d.HandleTurn(context.Background(), Turn{UserID: "u1", Attachments: files, SiteURL: "https://chat.example"})
	assert.Equal(t, DefaultMessages().FileUploaded, reply.Text)
	assert.Len(t, h.ingester.files, 1)

	h.ingester.filesOK = false
	reply = h.d.HandleTurn(context.Background(), Turn{UserID: "u1", Attachments: files})
	assert.Equal(t, DefaultMessages().FileFailed, reply.Text)
}

func TestModeGateAndSelection(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeUnset)
	ctx := context.Background()

	reply := h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "how long should it be?"})
	assert.Equal(t, DefaultMessages().ChooseMode, reply.Text)
	assert.Empty(t, h.gen.requests)

	reply = h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "resume_edit"})
	assert.Equal(t, DefaultMessages().ModeEditing, reply.Text)
	assert.Equal(t, domain.ModeEditing, h.ids.GetAuthoringMode(ctx, "u1"))

	reply = h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "how long should it be?"})
	assert.Equal(t, "Use strong action verbs.", reply.Text)
}

func TestQueriesWithoutModeGate(t *testing.T) {
	h := newHarness(t, Config{RequireMode: false})
	h.known(t, "u1", domain.ModeUnset)

	reply := h.d.HandleTurn(context.Background(), Turn{UserID: "u1", Text: "hello"})
	assert.Equal(t, "Use strong action verbs.", reply.Text)
}

func TestWriteSectionValidation(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeCreating)
	ctx := context.Background()

	reply := h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "create_education_   "})
	assert.Contains(t, reply.Text, "education")
	assert.Contains(t, reply.Text, "can't be empty")

	reply = h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "create__text"})
	assert.Equal(t, DefaultMessages().EmptySection, reply.Text)

	reply = h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "create_education_BSc Tufts"})
	assert.Contains(t, reply.Text, "Education: BSc Tufts")
	assert.Equal(t, []string{CmdSendToSpecialist}, actionMsgs(reply))
}

func TestSubmitWithoutDraft(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeCreating)

	reply := h.d.HandleTurn(context.Background(), Turn{UserID: "u1", Text: CmdSendToSpecialist})
	assert.Equal(t, DefaultMessages().NothingToReview, reply.Text)
	assert.Empty(t, h.notifier.sent())
}

func TestSubmitDeliveryFailure(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeCreating)
	h.notifier.err = errors.New("telegram unreachable")
	ctx := context.Background()

	h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "create_skills_Go"})
	reply := h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: CmdConfirmSend})
	assert.Equal(t, DefaultMessages().SubmitUndelivered, reply.Text)
}

func TestQueryEscalationAndLinks(t *testing.T) {
	h := newHarness(t, Config{
		RequireMode: true,
		Guides:      Guides{SessionID: "guides", Threshold: 0.3, K: 2},
		Sampling:    generation.Sampling{Model: "m", LastK: 3},
	})
	h.known(t, "u1", domain.ModeCreating)
	h.gen.guidance = "Keep it to one page."
	h.gen.result = generation.Result{Text: "Tailor it to the posting. " + DefaultEscalationMarker}
	h.ingester.report = ingest.LinkReport{HadLinks: true, AnyFailed: true, Failed: []string{"https://bad.example"}}

	text := "tailor my resume to https://jobs.example/1 and https://bad.example"
	reply := h.d.HandleTurn(context.Background(), Turn{UserID: "u1", Text: text})

	assert.True(t, strings.HasPrefix(reply.Text, "Tailor it to the posting."))
	assert.NotContains(t, reply.Text, DefaultEscalationMarker)
	assert.Contains(t, reply.Text, "https://bad.example")
	assert.Equal(t, []string{CmdSendToSpecialist}, actionMsgs(reply))

	require.Len(t, h.gen.requests, 1)
	req := h.gen.requests[0]
	assert.Equal(t, "You are a résumé coach.", req.SystemPrompt)
	assert.Equal(t, text, req.Query)
	assert.Contains(t, req.Context, "Keep it to one page.")
	assert.Contains(t, req.Context, "The pages linked above were added")
	assert.True(t, req.Sampling.RAG, "ingested pages enable retrieval")
	assert.NotEmpty(t, req.SessionID)
	require.Len(t, h.gen.retrieves, 1)
	assert.Equal(t, "guides", h.gen.retrieves[0].SessionID)
}

func TestLowConfidenceOffersSpecialist(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeCreating)
	h.gen.result = generation.Result{Text: "Not sure.", LowConfidence: true}

	reply := h.d.HandleTurn(context.Background(), Turn{UserID: "u1", Text: "what salary should I ask?"})
	assert.Equal(t, "Not sure.", reply.Text)
	assert.Equal(t, []string{CmdSendToSpecialist}, actionMsgs(reply))
}

func TestUpstreamFailureAndPanicStillReply(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeCreating)
	ctx := context.Background()

	h.gen.err = errors.New("503")
	reply := h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "help"})
	assert.Equal(t, DefaultMessages().UpstreamFailure, reply.Text)

	h.gen.err = nil
	h.gen.panicMsg = "nil map"
	reply = h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: "help"})
	assert.Equal(t, DefaultMessages().InternalError, reply.Text)

	assert.Equal(t, []string{"welcome", "query", "query"}, h.interactions(t, "u1"))
}

func TestReviewerCallbackPath(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	ctx := context.Background()

	reply := h.d.HandleReviewerCallback(ctx, "42", "Reviewer", "approve_nosuchsession")
	assert.Equal(t, DefaultMessages().ReviewerNoop, reply.Text)

	reply = h.d.HandleReviewerCallback(ctx, "42", "Reviewer", "looks good")
	assert.Equal(t, DefaultMessages().ReviewerInvalid, reply.Text)

	user, err := h.repo.GetUser(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, user, "reviewers are not enrolled as applicants")
	assert.Equal(t, []string{"review_outcome", "review_outcome"}, h.interactions(t, "42"))
}

func TestSameUserTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, Config{RequireMode: true})
	h.known(t, "u1", domain.ModeCreating)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.d.HandleTurn(ctx, Turn{UserID: "u1", Text: fmt.Sprintf("create_section%d_content %d", i, i)})
		}(i)
	}
	wg.Wait()

	sections, err := h.repo.ListDraftSections(ctx, h.ids.Resolve(ctx, "u1", "u1").SessionID)
	require.NoError(t, err)
	assert.Len(t, sections, 8)
	positions := make(map[int]bool)
	for _, s := range sections {
		assert.False(t, positions[s.Position])
		positions[s.Position] = true
	}
}
