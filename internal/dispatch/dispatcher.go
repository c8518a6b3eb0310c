// Package dispatch turns one inbound chat message into exactly one reply.
// It resolves the sender's session, classifies the message into an intent
// and runs the matching handler against the identity, draft, review and
// generation collaborators.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/draft"
	"github.com/resumai/resumai/internal/generation"
	"github.com/resumai/resumai/internal/identity"
	"github.com/resumai/resumai/internal/ingest"
	"github.com/resumai/resumai/internal/logger"
	"github.com/resumai/resumai/internal/review"
	"github.com/resumai/resumai/internal/transcript"
	"go.uber.org/zap"
)

// DefaultEscalationMarker in a generated answer asks for a human follow-up.
const DefaultEscalationMarker = "[[CONSULT_SPECIALIST]]"

// Identity resolves users to sessions. *identity.Store satisfies it.
type Identity interface {
	Resolve(ctx context.Context, userID, displayName string) identity.Resolution
	GetAuthoringMode(ctx context.Context, userID string) domain.AuthoringMode
	SetAuthoringMode(ctx context.Context, userID string, mode domain.AuthoringMode) bool
}

// Drafts stores draft sections. *draft.Accumulator satisfies it.
type Drafts interface {
	Put(ctx context.Context, sessionID, section, content string) (string, error)
}

// Reviews hands drafts to reviewers. *review.Handoff satisfies it.
type Reviews interface {
	Submit(ctx context.Context, sessionID, displayName string) (*domain.ReviewRequest, error)
	Resolve(ctx context.Context, sessionID string, outcome domain.ReviewOutcome) (review.Resolution, error)
	TakeNotice(ctx context.Context, sessionID string) (domain.ReviewOutcome, bool)
}

// Generator answers free-form queries.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Result, error)
	Retrieve(ctx context.Context, req generation.RetrieveRequest) (string, error)
}

// Ingester loads links and attachments into a session.
type Ingester interface {
	IngestLinks(ctx context.Context, sessionID, text string) ingest.LinkReport
	IngestFiles(ctx context.Context, sessionID, siteURL string, files []ingest.Attachment) bool
}

// InteractionLog receives one audit record per inbound message.
type InteractionLog interface {
	AppendInteraction(ctx context.Context, in *domain.Interaction) error
}

// PromptSource supplies the current system prompt.
type PromptSource interface {
	Text() string
}

// Turn is one inbound message.
type Turn struct {
	UserID      string
	DisplayName string
	Text        string
	Attachments []ingest.Attachment
	IsBotEcho   bool

	MessageID string
	ChannelID string
	Timestamp string
	SiteURL   string
}

// Action is a reply button; pressing it sends Msg back as a message.
type Action struct {
	Label string
	Msg   string
}

// Reply is the outcome of a turn.
type Reply struct {
	Text    string
	Actions []Action
	// Ignored is set for bot echoes, which get no reply text.
	Ignored bool
}

// Guides locates the shared guidance corpus.
type Guides struct {
	SessionID string
	Threshold float64
	K         int
}

// Config holds dispatcher policy.
type Config struct {
	// RequireMode blocks free-form queries until a mode is chosen.
	RequireMode      bool
	EscalationMarker string
	Sampling         generation.Sampling
	Guides           Guides
	// LogTimeout bounds the interaction log append.
	LogTimeout time.Duration
	// GenerateTimeout bounds one generation call. Zero means no extra bound.
	GenerateTimeout time.Duration
	Messages        Messages
}

// Deps are the dispatcher's collaborators. Transcript may be nil.
type Deps struct {
	Identity     Identity
	Drafts       Drafts
	Reviews      Reviews
	Generator    Generator
	Ingester     Ingester
	Interactions InteractionLog
	Prompt       PromptSource
	Transcript   *transcript.Writer
	Logger       *zap.Logger
}

// Dispatcher handles turns. It is safe for concurrent use; turns of the
// same user run one at a time.
type Dispatcher struct {
	deps   Deps
	cfg    Config
	msg    Messages
	locks  *keyedMutex
	logger *zap.Logger
}

// New creates a Dispatcher. A zero Config.Messages uses the defaults.
func New(deps Deps, cfg Config) *Dispatcher {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Messages == (Messages{}) {
		cfg.Messages = DefaultMessages()
	}
	if cfg.EscalationMarker == "" {
		cfg.EscalationMarker = DefaultEscalationMarker
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = identity.DefaultStoreTimeout
	}
	return &Dispatcher{
		deps:   deps,
		cfg:    cfg,
		msg:    cfg.Messages,
		locks:  newKeyedMutex(),
		logger: log.Named("dispatch"),
	}
}

// HandleTurn processes one message and always returns a reply. Internal
// failures become a generic message; details go to the log.
func (d *Dispatcher) HandleTurn(ctx context.Context, turn Turn) (reply Reply) {
	rec := &domain.Interaction{
		UserID:       turn.UserID,
		DisplayName:  turn.DisplayName,
		MessageID:    turn.MessageID,
		ChannelID:    turn.ChannelID,
		PlatformTime: turn.Timestamp,
		SiteURL:      turn.SiteURL,
		IsBot:        turn.IsBotEcho,
		HadFiles:     len(turn.Attachments) > 0,
	}

	if turn.IsBotEcho {
		d.logger.Info("Bot message detected; message ignored.", zap.String("user_id", turn.UserID))
		rec.Intent = BotEcho{}.Name()
		rec.AuthoringMode = domain.ModeUnset
		d.appendInteraction(ctx, rec)
		return Reply{Ignored: true}
	}

	unlock := d.locks.Lock(turn.UserID)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while handling turn",
				zap.String("user_id", turn.UserID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			reply = Reply{Text: d.msg.InternalError}
		}
		d.appendInteraction(ctx, rec)
		d.record(rec, turn.Text, reply)
	}()

	res := d.deps.Identity.Resolve(ctx, turn.UserID, turn.DisplayName)
	rec.SessionID = res.SessionID

	mode := domain.ModeUnset
	if !res.IsNew {
		mode = d.deps.Identity.GetAuthoringMode(ctx, turn.UserID)
	}
	rec.AuthoringMode = mode

	intent := Classify(turn.Text, Signals{
		IsNewUser:      res.IsNew,
		HasAttachments: len(turn.Attachments) > 0,
		Mode:           mode,
		RequireMode:    d.cfg.RequireMode,
	})
	rec.Intent = intent.Name()

	d.logger.Info("Handling turn",
		zap.String("user_id", turn.UserID),
		zap.String("session_id", res.SessionID),
		zap.String("intent", intent.Name()),
		zap.String("mode", string(mode)),
		zap.Bool("degraded", res.Degraded))

	reply = d.handle(ctx, turn, res.SessionID, intent)

	switch intent.(type) {
	case Welcome, ReviewCallback:
	default:
		reply = d.withOutcomeNotice(ctx, res.SessionID, reply)
	}
	return reply
}

// HandleReviewerCallback records a reviewer's decision delivered outside
// the chat webhook. The reviewer is never resolved to a session of its own.
func (d *Dispatcher) HandleReviewerCallback(ctx context.Context, reviewerID, reviewerName, token string) (reply Reply) {
	rec := &domain.Interaction{
		UserID:        reviewerID,
		DisplayName:   reviewerName,
		AuthoringMode: domain.ModeUnset,
		Intent:        ReviewCallback{}.Name(),
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while handling reviewer callback", zap.Any("panic", r))
			reply = Reply{Text: d.msg.InternalError}
		}
		d.appendInteraction(ctx, rec)
	}()

	outcome, sessionID, ok := review.ParseToken(strings.TrimSpace(token))
	if !ok {
		d.logger.Warn("Unrecognised reviewer callback", zap.String("token", logger.TruncateForLog(token, 80)))
		return Reply{Text: d.msg.ReviewerInvalid}
	}
	rec.SessionID = sessionID
	return d.handleReviewCallback(ctx, ReviewCallback{Outcome: outcome, SessionID: sessionID})
}

func (d *Dispatcher) handle(ctx context.Context, turn Turn, sessionID string, intent Intent) Reply {
	switch in := intent.(type) {
	case Welcome:
		return d.handleWelcome(turn)
	case FileUpload:
		return d.handleFiles(ctx, turn, sessionID)
	case SelectMode:
		return d.handleSelectMode(ctx, turn.UserID, in)
	case WriteSection:
		return d.handleWriteSection(ctx, sessionID, in)
	case SubmitReview:
		return d.handleSubmit(ctx, sessionID, turn.DisplayName)
	case ReviewCallback:
		return d.handleReviewCallback(ctx, in)
	case ModeGate:
		return Reply{Text: d.msg.ChooseMode, Actions: d.modeActions()}
	case Query:
		return d.handleQuery(ctx, sessionID, in)
	default:
		panic(fmt.Sprintf("unhandled intent %T", intent))
	}
}

func (d *Dispatcher) modeActions() []Action {
	return []Action{
		{Label: d.msg.StartNewLabel, Msg: CmdCreateResume},
		{Label: d.msg.UseExistingLabel, Msg: CmdEditResume},
	}
}

func (d *Dispatcher) handleWelcome(turn Turn) Reply {
	d.logger.Info("Welcomed new user", zap.String("user_id", turn.UserID))
	return Reply{
		Text:    fill(d.msg.Welcome, "{name}", turn.DisplayName),
		Actions: d.modeActions(),
	}
}

func (d *Dispatcher) handleFiles(ctx context.Context, turn Turn, sessionID string) Reply {
	ok := d.deps.Ingester.IngestFiles(ctx, sessionID, turn.SiteURL, turn.Attachments)
	d.logger.Info("File upload status", zap.String("session_id", sessionID), zap.Bool("ok", ok))
	if ok {
		return Reply{Text: d.msg.FileUploaded}
	}
	return Reply{Text: d.msg.FileFailed}
}

func (d *Dispatcher) handleSelectMode(ctx context.Context, userID string, in SelectMode) Reply {
	if !d.deps.Identity.SetAuthoringMode(ctx, userID, in.Mode) {
		return Reply{Text: d.msg.InternalError}
	}
	if in.Mode == domain.ModeEditing {
		return Reply{Text: d.msg.ModeEditing}
	}
	return Reply{Text: d.msg.ModeCreating}
}

func (d *Dispatcher) handleWriteSection(ctx context.Context, sessionID string, in WriteSection) Reply {
	if in.Section == "" {
		return Reply{Text: d.msg.EmptySection}
	}
	if in.Content == "" {
		return Reply{Text: fill(d.msg.EmptyContent, "{section}", in.Section)}
	}

	rendered, err := d.deps.Drafts.Put(ctx, sessionID, in.Section, in.Content)
	if err != nil {
		if errors.Is(err, draft.ErrEmptyContent) {
			return Reply{Text: fill(d.msg.EmptyContent, "{section}", in.Section)}
		}
		d.logger.Error("Failed to store draft section",
			zap.String("session_id", sessionID), zap.String("section", in.Section), zap.Error(err))
		return Reply{Text: d.msg.InternalError}
	}

	return Reply{
		Text:    fill(d.msg.SectionSaved, "{section}", in.Section, "{draft}", rendered),
		Actions: []Action{{Label: d.msg.SendForReview, Msg: CmdSendToSpecialist}},
	}
}

func (d *Dispatcher) handleSubmit(ctx context.Context, sessionID, displayName string) Reply {
	_, err := d.deps.Reviews.Submit(ctx, sessionID, displayName)
	var delivery *review.DeliveryError
	switch {
	case err == nil:
		return Reply{Text: d.msg.Submitted}
	case errors.Is(err, review.ErrNothingToReview):
		return Reply{Text: d.msg.NothingToReview}
	case errors.As(err, &delivery):
		return Reply{Text: d.msg.SubmitUndelivered}
	default:
		d.logger.Error("Failed to submit draft for review", zap.String("session_id", sessionID), zap.Error(err))
		return Reply{Text: d.msg.InternalError}
	}
}

func (d *Dispatcher) handleReviewCallback(ctx context.Context, in ReviewCallback) Reply {
	res, err := d.deps.Reviews.Resolve(ctx, in.SessionID, in.Outcome)
	if err != nil {
		d.logger.Error("Failed to resolve review",
			zap.String("session_id", in.SessionID), zap.String("outcome", string(in.Outcome)), zap.Error(err))
		return Reply{Text: d.msg.InternalError}
	}
	if !res.Resolved {
		return Reply{Text: d.msg.ReviewerNoop}
	}
	if res.Outcome == domain.OutcomeApproved {
		return Reply{Text: d.msg.ReviewerApproved}
	}
	return Reply{Text: d.msg.ReviewerDenied}
}

func (d *Dispatcher) handleQuery(ctx context.Context, sessionID string, in Query) Reply {
	d.logger.Info("Processing user query",
		zap.String("session_id", sessionID), zap.String("query", logger.TruncateForLog(in.Text, 200)))

	links := d.deps.Ingester.IngestLinks(ctx, sessionID, in.Text)
	sampling := d.cfg.Sampling
	var notes []string
	if links.HadLinks && len(links.Failed) < len(ingest.ExtractLinks(in.Text)) {
		sampling.RAG = true
		notes = append(notes, "The pages linked above were added to your documents.")
	}

	if guidance := d.guidance(ctx, in.Text); guidance != "" {
		notes = append(notes, "Guidance from the career center:\n"+guidance)
	}

	system := ""
	if d.deps.Prompt != nil {
		system = d.deps.Prompt.Text()
	}

	genCtx, cancel := d.generationContext(ctx)
	defer cancel()
	res, err := d.deps.Generator.Generate(genCtx, generation.Request{
		SystemPrompt: system,
		Query:        in.Text,
		Context:      strings.Join(notes, "\n\n"),
		SessionID:    sessionID,
		Sampling:     sampling,
	})
	if err != nil {
		d.logger.Error("Generation failed", zap.String("session_id", sessionID), zap.Error(err))
		return Reply{Text: d.msg.UpstreamFailure}
	}

	text := res.Text
	escalate := res.LowConfidence
	if strings.Contains(text, d.cfg.EscalationMarker) {
		escalate = true
		text = strings.TrimSpace(strings.ReplaceAll(text, d.cfg.EscalationMarker, ""))
	}
	if links.AnyFailed {
		text += "\n\n" + fill(d.msg.LinksFailed, "{links}", strings.Join(links.Failed, ", "))
	}

	reply := Reply{Text: text}
	if escalate {
		reply.Actions = []Action{{Label: d.msg.ConsultLabel, Msg: CmdSendToSpecialist}}
	}
	return reply
}

func (d *Dispatcher) guidance(ctx context.Context, query string) string {
	g := d.cfg.Guides
	if g.SessionID == "" {
		return ""
	}
	ctx, cancel := d.generationContext(ctx)
	defer cancel()
	text, err := d.deps.Generator.Retrieve(ctx, generation.RetrieveRequest{
		Query:     query,
		SessionID: g.SessionID,
		Threshold: g.Threshold,
		K:         g.K,
	})
	if err != nil {
		d.logger.Warn("Guidance retrieval failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(text)
}

func (d *Dispatcher) generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.GenerateTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.cfg.GenerateTimeout)
}

func (d *Dispatcher) withOutcomeNotice(ctx context.Context, sessionID string, reply Reply) Reply {
	outcome, ok := d.deps.Reviews.TakeNotice(ctx, sessionID)
	if !ok {
		return reply
	}
	notice := d.msg.NoticeDenied
	if outcome == domain.OutcomeApproved {
		notice = d.msg.NoticeApproved
	}
	reply.Text = notice + "\n\n" + reply.Text
	return reply
}

func (d *Dispatcher) appendInteraction(ctx context.Context, rec *domain.Interaction) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.LogTimeout)
	defer cancel()

	if rec.Intent == "" {
		rec.Intent = "unknown"
	}
	if err := d.deps.Interactions.AppendInteraction(ctx, rec); err != nil {
		d.logger.Error("Failed to save interaction",
			zap.String("user_id", rec.UserID), zap.String("session_id", rec.SessionID), zap.Error(err))
	}
}

func (d *Dispatcher) record(rec *domain.Interaction, text string, reply Reply) {
	if d.deps.Transcript == nil {
		return
	}
	d.deps.Transcript.Log(transcript.Entry{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		Direction: transcript.Inbound,
		Intent:    rec.Intent,
		Text:      text,
	})
	actions := make([]string, 0, len(reply.Actions))
	for _, a := range reply.Actions {
		actions = append(actions, a.Msg)
	}
	d.deps.Transcript.Log(transcript.Entry{
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		Direction: transcript.Outbound,
		Intent:    rec.Intent,
		Text:      reply.Text,
		Actions:   actions,
	})
}
