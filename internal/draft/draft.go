// Package draft accumulates résumé sections per session and renders them
// for review.
package draft

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/resumai/resumai/internal/domain"
	"github.com/resumai/resumai/internal/store"
)

// ErrNotFound is returned by Render when no section was ever written for a
// session. Callers treat it as "nothing to review yet".
var ErrNotFound = errors.New("draft not found")

// ErrEmptyContent is returned by Put when the content is blank after trimming.
var ErrEmptyContent = errors.New("section content is empty")

// Accumulator stores the latest content per section of a session's draft.
type Accumulator struct {
	repo store.Repository
}

// NewAccumulator creates an accumulator persisting into repo.
func NewAccumulator(repo store.Repository) *Accumulator {
	return &Accumulator{repo: repo}
}

// NormalizeSection lower-cases and trims a section name.
func NormalizeSection(section string) string {
	return strings.ToLower(strings.TrimSpace(section))
}

// Put overwrites one section and returns the whole draft rendered.
func (a *Accumulator) Put(ctx context.Context, sessionID, section, content string) (string, error) {
	section = NormalizeSection(section)
	content = strings.TrimSpace(content)
	if section == "" {
		return "", fmt.Errorf("put section: empty section name")
	}
	if content == "" {
		return "", ErrEmptyContent
	}

	if err := a.repo.PutDraftSection(ctx, sessionID, section, content); err != nil {
		return "", fmt.Errorf("put section %q: %w", section, err)
	}
	return a.Render(ctx, sessionID)
}

// Sections returns the draft sections in insertion order.
func (a *Accumulator) Sections(ctx context.Context, sessionID string) ([]domain.DraftSection, error) {
	sections, err := a.repo.ListDraftSections(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	return sections, nil
}

// Render formats the draft as "Section: content" blocks separated by a blank line.
func (a *Accumulator) Render(ctx context.Context, sessionID string) (string, error) {
	sections, err := a.Sections(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(sections) == 0 {
		return "", ErrNotFound
	}
	return Format(sections), nil
}

// Format renders sections in the order given.
func Format(sections []domain.DraftSection) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(titleCase(s.Name))
		b.WriteString(": ")
		b.WriteString(s.Content)
	}
	return b.String()
}

func titleCase(name string) string {
	if name == "" {
		return name
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}
