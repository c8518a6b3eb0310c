// Package ingest loads linked web pages and chat attachments into a
// session's document corpus on the generation backend.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxLinks    = 5
	defaultMaxBytes    = 10 << 20
	defaultTimeout     = 20 * time.Second
	fetchConcurrency   = 4
	userAgent          = "Mozilla/5.0 (compatible; resumai/1.0)"
	defaultAttachMIME  = "application/octet-stream"
	fileUploadPathRoot = "/file-upload/"
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)

// Uploader receives ingested documents. generation.Backend satisfies it.
type Uploader interface {
	UploadText(ctx context.Context, sessionID, name, text string) error
	UploadFile(ctx context.Context, sessionID, name, mimeType string, data []byte) error
}

// Attachment is a file shared in the chat.
type Attachment struct {
	ID   string
	Name string
	Type string
	// URL may be absolute or relative to the chat site. When empty it is
	// derived from ID and Name.
	URL string
}

// LinkReport summarizes a link ingestion pass.
type LinkReport struct {
	HadLinks  bool
	AnyFailed bool
	Failed    []string
}

// Options configures an Ingester.
type Options struct {
	MaxLinks int
	MaxBytes int64
	Timeout  time.Duration
	Client   *http.Client
}

// Ingester fetches content and uploads it into sessions.
type Ingester struct {
	uploader Uploader
	client   *http.Client
	maxLinks int
	maxBytes int64
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates an Ingester. Zero options take defaults.
func New(uploader Uploader, opts Options, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = defaultMaxLinks
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	return &Ingester{
		uploader: uploader,
		client:   opts.Client,
		maxLinks: opts.MaxLinks,
		maxBytes: opts.MaxBytes,
		timeout:  opts.Timeout,
		logger:   logger.Named("ingest"),
	}
}

// ExtractLinks returns the distinct http(s) URLs in text, in order.
func ExtractLinks(text string) []string {
	var links []string
	seen := make(map[string]bool)
	for _, raw := range linkPattern.FindAllString(text, -1) {
		link := strings.TrimRight(raw, ".,;:!?)]}")
		if _, err := url.ParseRequestURI(link); err != nil || seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}
	return links
}

// IngestLinks fetches every link in text and uploads the page text into
// sessionID. Links beyond the configured maximum are reported as failed.
func (in *Ingester) IngestLinks(ctx context.Context, sessionID, text string) LinkReport {
	links := ExtractLinks(text)
	if len(links) == 0 {
		return LinkReport{}
	}

	report := LinkReport{HadLinks: true}
	if len(links) > in.maxLinks {
		in.logger.Warn("Too many links, skipping the rest",
			zap.Int("links", len(links)), zap.Int("max", in.maxLinks))
		report.Failed = append(report.Failed, links[in.maxLinks:]...)
		links = links[:in.maxLinks]
	}

	failed := make([]bool, len(links))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, link := range links {
		g.Go(func() error {
			if err := in.ingestLink(gctx, sessionID, link); err != nil {
				in.logger.Warn("Failed to ingest link",
					zap.String("session_id", sessionID), zap.String("url", link), zap.Error(err))
				mu.Lock()
				failed[i] = true
				mu.Unlock()
			}
			// Failures are collected, not propagated, so one bad link does
			// not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	var bad []string
	for i, link := range links {
		if failed[i] {
			bad = append(bad, link)
		}
	}
	report.Failed = append(bad, report.Failed...)
	report.AnyFailed = len(report.Failed) > 0
	return report
}

func (in *Ingester) ingestLink(ctx context.Context, sessionID, link string) error {
	body, contentType, err := in.fetch(ctx, link)
	if err != nil {
		return err
	}

	text := string(body)
	if !strings.Contains(contentType, "text/plain") {
		text, err = htmlToText(text)
		if err != nil {
			return fmt.Errorf("parse html: %w", err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("page has no text")
	}

	return in.uploader.UploadText(ctx, sessionID, link, text)
}

// IngestFiles downloads each attachment and uploads it into sessionID.
// It reports false when any file failed.
func (in *Ingester) IngestFiles(ctx context.Context, sessionID, siteURL string, files []Attachment) bool {
	if len(files) == 0 {
		return false
	}

	ok := true
	for _, f := range files {
		if err := in.ingestFile(ctx, sessionID, siteURL, f); err != nil {
			in.logger.Error("Failed to ingest file",
				zap.String("session_id", sessionID), zap.String("file", f.Name), zap.Error(err))
			ok = false
			continue
		}
		in.logger.Info("File ingested", zap.String("session_id", sessionID), zap.String("file", f.Name))
	}
	return ok
}

func (in *Ingester) ingestFile(ctx context.Context, sessionID, siteURL string, f Attachment) error {
	link, err := attachmentURL(siteURL, f)
	if err != nil {
		return err
	}

	data, contentType, err := in.fetch(ctx, link)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty file")
	}

	mimeType := f.Type
	if mimeType == "" {
		mimeType = contentType
	}
	if mimeType == "" {
		mimeType = defaultAttachMIME
	}

	name := f.Name
	if name == "" {
		name = path.Base(link)
	}
	return in.uploader.UploadFile(ctx, sessionID, name, mimeType, data)
}

func attachmentURL(siteURL string, f Attachment) (string, error) {
	ref := f.URL
	if ref == "" {
		if f.ID == "" {
			return "", errors.New("attachment has neither url nor id")
		}
		ref = fileUploadPathRoot + url.PathEscape(f.ID) + "/" + url.PathEscape(f.Name)
	}

	target, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid attachment url %q: %w", ref, err)
	}
	if target.IsAbs() {
		return target.String(), nil
	}

	base, err := url.Parse(siteURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("cannot resolve %q without a site url", ref)
	}
	return base.ResolveReference(target).String(), nil
}

func (in *Ingester) fetch(ctx context.Context, link string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := in.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			in.logger.Debug("failed to close response body", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, in.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > in.maxBytes {
		return nil, "", fmt.Errorf("response exceeds %d bytes", in.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
