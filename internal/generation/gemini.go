package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is satisfied by *genai.Models.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiBackend generates with the Gemini API. Conversation history and
// uploaded documents live in process memory keyed by session id.
type GeminiBackend struct {
	models    contentGenerator
	modelName string
	memory    *memoryStore
	logger    *zap.Logger
}

var _ Backend = (*GeminiBackend)(nil)

// NewGeminiBackend creates a backend for the Gemini API.
func NewGeminiBackend(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiBackend, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiBackend(client.Models, model, logger), nil
}

func newGeminiBackend(models contentGenerator, model string, logger *zap.Logger) *GeminiBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultGeminiModel
	}
	return &GeminiBackend{
		models:    models,
		modelName: model,
		memory:    newMemoryStore(200),
		logger:    logger.Named("gemini"),
	}
}

// Generate answers req.Query with the session's recent history. Only the
// query and the answer are remembered; req.Context and retrieved excerpts
// are sent for this turn alone. A finish reason other than STOP marks the
// result as low confidence.
func (g *GeminiBackend) Generate(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New("prompt must not be empty")
	}

	history, blobs := g.memory.snapshot(req.SessionID, req.Sampling.LastK)

	var b strings.Builder
	b.WriteString(query)
	if extra := strings.TrimSpace(req.Context); extra != "" {
		b.WriteString("\n\n")
		b.WriteString(extra)
	}
	var sources []string
	if req.Sampling.RAG {
		hits := g.memory.search(req.SessionID, query, req.Sampling.RAGThreshold, req.Sampling.RAGK)
		if len(hits) > 0 {
			b.WriteString("\n\nRelevant excerpts from the user's documents:\n")
			for _, h := range hits {
				b.WriteString("\n")
				b.WriteString(h.text)
				sources = appendUnique(sources, h.source)
			}
		}
	}
	prompt := b.String()

	parts := make([]*genai.Part, 0, len(blobs)+1)
	for _, d := range blobs {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: d.mimeType, Data: d.data}})
		sources = appendUnique(sources, d.name)
	}
	parts = append(parts, &genai.Part{Text: prompt})
	contents := append(history, genai.NewContentFromParts(parts, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](float32(req.Sampling.Temperature)),
	}
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}

	model := g.modelName
	if m := strings.TrimSpace(req.Sampling.Model); m != "" {
		model = m
	}

	resp, err := g.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	text, lowConfidence := extractText(resp)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	g.memory.appendExchange(req.SessionID, query, text)
	return &Result{Text: text, Sources: sources, LowConfidence: lowConfidence}, nil
}

// Retrieve returns matching paragraphs from the session's text documents.
func (g *GeminiBackend) Retrieve(_ context.Context, req RetrieveRequest) (string, error) {
	hits := g.memory.search(req.SessionID, req.Query, req.Threshold, req.K)
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.text)
	}
	return strings.Join(texts, "\n\n"), nil
}

// UploadText stores a text document for the session.
func (g *GeminiBackend) UploadText(_ context.Context, sessionID, name, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("document %q is empty", name)
	}
	g.memory.addDocument(sessionID, document{name: name, text: text})
	g.logger.Debug("Stored text document", zap.String("session_id", sessionID), zap.String("name", name))
	return nil
}

// UploadFile stores a binary document passed inline on later turns. The
// text of a PDF is also extracted so Retrieve can search it.
func (g *GeminiBackend) UploadFile(_ context.Context, sessionID, name, mimeType string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("document %q is empty", name)
	}
	doc := document{name: name, mimeType: mimeType, data: data}
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		doc = document{name: name, text: string(data)}
	case mimeType == "application/pdf":
		doc.text = pdfText(data)
		if doc.text == "" {
			g.logger.Warn("No extractable text in PDF; it will not be searchable",
				zap.String("session_id", sessionID), zap.String("name", name))
		}
	}
	g.memory.addDocument(sessionID, doc)
	g.logger.Debug("Stored file",
		zap.String("session_id", sessionID),
		zap.String("name", name),
		zap.Int("bytes", len(data)),
		zap.Int("text_chars", len(doc.text)))
	return nil
}

// Close is a no-op; the genai client holds no resources needing release.
func (g *GeminiBackend) Close() error { return nil }

func extractText(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil {
		return "", true
	}

	lowConfidence := len(resp.Candidates) == 0
	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		if candidate.FinishReason != "" && candidate.FinishReason != genai.FinishReasonStop {
			lowConfidence = true
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}
	return strings.TrimSpace(builder.String()), lowConfidence
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
