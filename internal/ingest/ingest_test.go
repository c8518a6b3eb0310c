package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type upload struct {
	sessionID, name, mimeType, text string
	data                            []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (f *fakeUploader) UploadText(_ context.Context, sessionID, name, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, upload{sessionID: sessionID, name: name, text: text})
	return nil
}

func (f *fakeUploader) UploadFile(_ context.Context, sessionID, name, mimeType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, upload{sessionID: sessionID, name: name, mimeType: mimeType, data: data})
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/job", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Job</title><script>var x = 1;</script></head>
<body><nav>Home | About</nav><h1>Backend Engineer</h1><p>Write Go services.</p><ul><li>SQL</li><li>gRPC</li></ul></body></html>`))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain posting"))
	})
	mux.HandleFunc("/file-upload/abc123/cv.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 resume"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractLinks(t *testing.T) {
	got := ExtractLinks("see https://a.example/job, and (http://b.example/x) or https://a.example/job again; not ftp://c")
	assert.Equal(t, []string{"https://a.example/job", "http://b.example/x"}, got)
	assert.Empty(t, ExtractLinks("no links here"))
}

func TestIngestLinks(t *testing.T) {
	srv := newTestServer(t)
	up := &fakeUploader{}
	in := New(up, Options{}, zaptest.NewLogger(t))

	report := in.IngestLinks(context.Background(), "sid", "compare "+srv.URL+"/job with "+srv.URL+"/plain and "+srv.URL+"/missing")
	assert.True(t, report.HadLinks)
	assert.True(t, report.AnyFailed)
	assert.Equal(t, []string{srv.URL + "/missing"}, report.Failed)

	require.Len(t, up.uploads, 2)
	byName := map[string]string{}
	for _, u := range up.uploads {
		assert.Equal(t, "sid", u.sessionID)
		byName[u.name] = u.text
	}
	job := byName[srv.URL+"/job"]
	assert.Contains(t, job, "Backend Engineer")
	assert.Contains(t, job, "Write Go services.")
	assert.NotContains(t, job, "var x")
	assert.NotContains(t, job, "Home | About")
	assert.Equal(t, "plain posting", byName[srv.URL+"/plain"])
}

func TestIngestLinksNoLinks(t *testing.T) {
	in := New(&fakeUploader{}, Options{}, zaptest.NewLogger(t))
	assert.Equal(t, LinkReport{}, in.IngestLinks(context.Background(), "sid", "just text"))
}

func TestIngestLinksCapsCount(t *testing.T) {
	srv := newTestServer(t)
	up := &fakeUploader{}
	in := New(up, Options{MaxLinks: 1}, zaptest.NewLogger(t))

	report := in.IngestLinks(context.Background(), "sid", srv.URL+"/plain "+srv.URL+"/job")
	assert.True(t, report.AnyFailed)
	assert.Equal(t, []string{srv.URL + "/job"}, report.Failed)
	assert.Len(t, up.uploads, 1)
}

func TestIngestLinksUploadFailure(t *testing.T) {
	srv := newTestServer(t)
	in := New(&fakeUploader{err: errors.New("backend down")}, Options{}, zaptest.NewLogger(t))

	report := in.IngestLinks(context.Background(), "sid", srv.URL+"/plain")
	assert.True(t, report.AnyFailed)
	assert.Equal(t, []string{srv.URL + "/plain"}, report.Failed)
}

func TestIngestFiles(t *testing.T) {
	srv := newTestServer(t)
	up := &fakeUploader{}
	in := New(up, Options{}, zaptest.NewLogger(t))

	ok := in.IngestFiles(context.Background(), "sid", srv.URL, []Attachment{{ID: "abc123", Name: "cv.pdf", Type: "application/pdf"}})
	require.True(t, ok)
	require.Len(t, up.uploads, 1)
	assert.Equal(t, "cv.pdf", up.uploads[0].name)
	assert.Equal(t, "application/pdf", up.uploads[0].mimeType)
	assert.Equal(t, []byte("%PDF-1.4 resume"), up.uploads[0].data)
}

func TestIngestFilesFailures(t *testing.T) {
	srv := newTestServer(t)
	in := New(&fakeUploader{}, Options{}, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.False(t, in.IngestFiles(ctx, "sid", srv.URL, nil))
	assert.False(t, in.IngestFiles(ctx, "sid", srv.URL, []Attachment{{ID: "nope", Name: "x.pdf"}}))
	assert.False(t, in.IngestFiles(ctx, "sid", "", []Attachment{{ID: "abc123", Name: "cv.pdf"}}))

	small := New(&fakeUploader{}, Options{MaxBytes: 4}, zaptest.NewLogger(t))
	assert.False(t, small.IngestFiles(ctx, "sid", srv.URL, []Attachment{{URL: srv.URL + "/file-upload/abc123/cv.pdf"}}))
}

func TestAttachmentURL(t *testing.T) {
	got, err := attachmentURL("https://chat.example.edu", Attachment{ID: "id1", Name: "my cv.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.edu/file-upload/id1/my%20cv.pdf", got)

	got, err = attachmentURL("", Attachment{URL: "https://cdn.example/f.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/f.pdf", got)

	_, err = attachmentURL("https://chat.example.edu", Attachment{})
	require.Error(t, err)
}
