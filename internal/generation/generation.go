// Package generation talks to the text generation and retrieval backend.
// Every call is scoped to a session id: calls sharing a session share
// conversational memory and uploaded documents on the backend side.
package generation

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the backend produced no text.
var ErrEmptyResponse = errors.New("generation backend returned empty response")

// Sampling holds the generation parameters forwarded with each request.
type Sampling struct {
	Model        string
	Temperature  float64
	LastK        int
	RAG          bool
	RAGK         int
	RAGThreshold float64
}

// Request is one generation call.
type Request struct {
	SystemPrompt string
	Query        string
	// Context is extra material for this turn only, e.g. retrieved
	// guidance. It is shown to the model but not kept in the history.
	Context   string
	SessionID string
	Sampling  Sampling
}

// Result is the backend's answer.
type Result struct {
	Text    string
	Sources []string
	// LowConfidence is set when the backend signals the answer should be
	// checked by a human.
	LowConfidence bool
}

// RetrieveRequest asks for context from a session's document corpus.
type RetrieveRequest struct {
	Query     string
	SessionID string
	Threshold float64
	K         int
}

// Backend is implemented by every generation provider.
type Backend interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Retrieve(ctx context.Context, req RetrieveRequest) (string, error)
	// UploadText adds a named text document to the session's corpus.
	UploadText(ctx context.Context, sessionID, name, text string) error
	// UploadFile adds a binary document, e.g. a PDF, to the session's corpus.
	UploadFile(ctx context.Context, sessionID, name, mimeType string, data []byte) error
	Close() error
}
