package generation

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"google.golang.org/genai"
)

// document is one upload kept for a session. Binary documents carry Data
// and are passed to the model inline; text documents are also searchable.
type document struct {
	name     string
	text     string
	mimeType string
	data     []byte
}

type sessionMemory struct {
	history []*genai.Content
	docs    []document
}

// memoryStore keeps conversational history and uploads per session.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionMemory
	// maxHistory caps stored contents per session.
	maxHistory int
}

func newMemoryStore(maxHistory int) *memoryStore {
	return &memoryStore{sessions: make(map[string]*sessionMemory), maxHistory: maxHistory}
}

func (m *memoryStore) session(id string) *sessionMemory {
	s, ok := m.sessions[id]
	if !ok {
		s = &sessionMemory{}
		m.sessions[id] = s
	}
	return s
}

func (m *memoryStore) addDocument(sessionID string, doc document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	for i := range s.docs {
		if s.docs[i].name == doc.name {
			s.docs[i] = doc
			return
		}
	}
	s.docs = append(s.docs, doc)
}

// snapshot returns the last lastK exchanges and the binary documents.
func (m *memoryStore) snapshot(sessionID string, lastK int) ([]*genai.Content, []document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)

	history := s.history
	if lastK >= 0 && len(history) > 2*lastK {
		history = history[len(history)-2*lastK:]
	}
	out := make([]*genai.Content, len(history))
	copy(out, history)

	var blobs []document
	for _, d := range s.docs {
		if len(d.data) > 0 {
			blobs = append(blobs, d)
		}
	}
	return out, blobs
}

func (m *memoryStore) appendExchange(sessionID, query, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	s.history = append(s.history,
		genai.NewContentFromText(query, genai.RoleUser),
		genai.NewContentFromText(answer, genai.RoleModel),
	)
	if m.maxHistory > 0 && len(s.history) > m.maxHistory {
		s.history = append([]*genai.Content(nil), s.history[len(s.history)-m.maxHistory:]...)
	}
}

type scoredChunk struct {
	source string
	text   string
	score  float64
}

// search scores paragraphs of the session's text documents by the share of
// query terms they contain and returns the best k at or above threshold.
func (m *memoryStore) search(sessionID, query string, threshold float64, k int) []scoredChunk {
	terms := tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return nil
	}

	m.mu.Lock()
	docs := append([]document(nil), m.session(sessionID).docs...)
	m.mu.Unlock()

	var hits []scoredChunk
	for _, d := range docs {
		for _, para := range strings.Split(d.text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			words := make(map[string]struct{})
			for _, w := range tokenize(para) {
				words[w] = struct{}{}
			}
			matched := 0
			for _, t := range terms {
				if _, ok := words[t]; ok {
					matched++
				}
			}
			score := float64(matched) / float64(len(terms))
			if matched > 0 && score >= threshold {
				hits = append(hits, scoredChunk{source: d.name, text: para, score: score})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
