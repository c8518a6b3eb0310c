package dispatch

import (
	"strings"

	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/review"
)

// Command tokens recognised in message text.
const (
	CmdCreateResume     = "resume_create"
	CmdEditResume       = "resume_edit"
	CmdSendToSpecialist = "send_to_specialist"
	CmdConfirmSend      = "confirm_send_to_specialist"

	createPrefix = "create_"
	editPrefix   = "edit_"
)

// Intent is the classification of one inbound message. The concrete types
// below are the only implementations.
type Intent interface {
	Name() string
	isIntent()
}

// BotEcho is a message the platform flagged as sent by a bot.
type BotEcho struct{}

// Welcome greets a user seen for the first time.
type Welcome struct{}

// FileUpload carries attachments to ingest.
type FileUpload struct{}

// SelectMode sets the authoring mode.
type SelectMode struct{ Mode domain.AuthoringMode }

// WriteSection stores one draft section. Verb is "create" or "edit".
type WriteSection struct {
	Verb    string
	Section string
	Content string
}

// SubmitReview hands the draft to a reviewer.
type SubmitReview struct{ Confirmed bool }

// ReviewCallback is a reviewer's decision for another session.
type ReviewCallback struct {
	Outcome   domain.ReviewOutcome
	SessionID string
}

// ModeGate asks the user to pick an authoring mode first.
type ModeGate struct{}

// Query is free-form text for the generation backend.
type Query struct{ Text string }

func (BotEcho) Name() string        { return "bot_echo" }
func (Welcome) Name() string        { return "welcome" }
func (FileUpload) Name() string     { return "file_upload" }
func (SelectMode) Name() string     { return "select_mode" }
func (WriteSection) Name() string   { return "write_section" }
func (SubmitReview) Name() string   { return "submit_review" }
func (ReviewCallback) Name() string { return "review_outcome" }
func (ModeGate) Name() string       { return "mode_gate" }
func (Query) Name() string          { return "query" }

func (BotEcho) isIntent()        {}
func (Welcome) isIntent()        {}
func (FileUpload) isIntent()     {}
func (SelectMode) isIntent()     {}
func (WriteSection) isIntent()   {}
func (SubmitReview) isIntent()   {}
func (ReviewCallback) isIntent() {}
func (ModeGate) isIntent()       {}
func (Query) isIntent()          {}

// Signals is everything classification looks at besides the text.
type Signals struct {
	IsBotEcho      bool
	IsNewUser      bool
	HasAttachments bool
	Mode           domain.AuthoringMode
	// RequireMode gates free-form queries behind a chosen authoring mode.
	RequireMode bool
}

// Classify maps a message to exactly one intent. Rules are checked in
// priority order and the first match wins.
func Classify(text string, s Signals) Intent {
	msg := strings.TrimSpace(text)

	switch {
	case s.IsBotEcho:
		return BotEcho{}
	case s.IsNewUser:
		return Welcome{}
	case s.HasAttachments:
		return FileUpload{}
	case msg == CmdCreateResume:
		return SelectMode{Mode: domain.ModeCreating}
	case msg == CmdEditResume:
		return SelectMode{Mode: domain.ModeEditing}
	}

	if ws, ok := parseSectionCommand(msg); ok {
		return ws
	}

	switch msg {
	case CmdSendToSpecialist:
		return SubmitReview{}
	case CmdConfirmSend:
		return SubmitReview{Confirmed: true}
	}

	if outcome, sid, ok := review.ParseToken(msg); ok {
		return ReviewCallback{Outcome: outcome, SessionID: sid}
	}

	if s.RequireMode && s.Mode == domain.ModeUnset {
		return ModeGate{}
	}
	return Query{Text: msg}
}

// parseSectionCommand splits create_<section>_<content> and
// edit_<section>_<content>. The section ends at the first underscore after
// the verb; everything after it is content.
func parseSectionCommand(msg string) (WriteSection, bool) {
	var verb, rest string
	switch {
	case strings.HasPrefix(msg, createPrefix):
		verb, rest = "create", strings.TrimPrefix(msg, createPrefix)
	case strings.HasPrefix(msg, editPrefix):
		verb, rest = "edit", strings.TrimPrefix(msg, editPrefix)
	default:
		return WriteSection{}, false
	}

	section, content, _ := strings.Cut(rest, "_")
	return WriteSection{
		Verb:    verb,
		Section: strings.ToLower(strings.TrimSpace(section)),
		Content: strings.TrimSpace(content),
	}, true
}
