package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeUploader struct {
	files map[string]string
	fail  string
}

func (f *fakeUploader) UploadText(context.Context, string, string, string) error {
	return errors.New("unexpected text upload")
}

func (f *fakeUploader) UploadFile(_ context.Context, sessionID, name, mimeType string, data []byte) error {
	if name == f.fail {
		return errors.New("backend rejected file")
	}
	if f.files == nil {
		f.files = make(map[string]string)
	}
	f.files[sessionID+"/"+name] = mimeType + ":" + string(data)
	return nil
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestUploadGuidesContinuesAfterFailures(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "interview.pdf", "%PDF-1 interview")
	rejected := writeFile(t, dir, "cover.pdf", "%PDF-1 cover")
	notPDF := writeFile(t, dir, "notes.txt", "plain")
	missing := filepath.Join(dir, "missing.pdf")

	up := &fakeUploader{fail: "cover.pdf"}
	var out bytes.Buffer
	err := uploadGuides(context.Background(), up, "guides", []string{good, rejected, notPDF, missing}, &out, zaptest.NewLogger(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 of 4 uploads failed")
	assert.Equal(t, map[string]string{"guides/interview.pdf": "application/pdf:%PDF-1 interview"}, up.files)
	assert.Contains(t, out.String(), "Upload successful: "+good)
	assert.Contains(t, out.String(), "Upload failed: "+notPDF)
	assert.Contains(t, out.String(), "Upload process completed.")
}

func TestUploadGuidesResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Guide.PDF", "%PDF-1")
	t.Chdir(dir)

	up := &fakeUploader{}
	err := uploadGuides(context.Background(), up, "guides", []string{"Guide.PDF"}, &bytes.Buffer{}, zaptest.NewLogger(t))

	require.NoError(t, err)
	assert.Contains(t, up.files, "guides/Guide.PDF")
}

func TestGuideFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.pdf", "x")
	writeFile(t, dir, "a.pdf", "x")
	writeFile(t, dir, "c.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.pdf"), 0o750))

	paths, err := guideFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.pdf"), filepath.Join(dir, "b.pdf")}, paths)

	paths, err = guideFiles(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "resumai version: unknown\n", out.String())
}
