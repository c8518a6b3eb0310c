package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/resumai/resumai/internal/ingest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const pdfMIME = "application/pdf"

var uploadCmd = &cobra.Command{
	Use:   "upload-guides [FILE.pdf ...]",
	Short: "Upload PDF guides into the shared guidance corpus",
	Long: `Upload one or more PDF files into the guidance corpus session named by
guides.session_id. Relative paths are resolved against the working directory.
Without arguments every PDF in guides.dir is uploaded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd.Context(), cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(ctx context.Context, out io.Writer, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Guides.SessionID == "" {
		return errors.New("guides.session_id is not set")
	}

	paths := args
	if len(paths) == 0 {
		paths, err = guideFiles(cfg.Guides.Dir)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no files given and no PDFs in %s", cfg.Guides.Dir)
		}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	return uploadGuides(ctx, backend, cfg.Guides.SessionID, paths, out, logger)
}

// uploadGuides uploads each PDF in paths to sessionID. A failed file does
// not stop the rest; the returned error counts the failures.
func uploadGuides(ctx context.Context, uploader ingest.Uploader, sessionID string, paths []string, out io.Writer, logger *zap.Logger) error {
	failed := 0
	for _, p := range paths {
		if err := uploadGuide(ctx, uploader, sessionID, p, logger); err != nil {
			failed++
			logger.Error("Guide upload failed", zap.String("path", p), zap.Error(err))
			fmt.Fprintf(out, "Upload failed: %s (%v)\n", p, err)
			continue
		}
		fmt.Fprintf(out, "Upload successful: %s\n", p)
	}
	fmt.Fprintln(out, "Upload process completed.")

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(paths))
	}
	return nil
}

func uploadGuide(ctx context.Context, uploader ingest.Uploader, sessionID, path string, logger *zap.Logger) error {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		logger.Info("Resolved relative path", zap.String("path", path), zap.String("resolved", abs))
		path = abs
	}
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return errors.New("not a PDF file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	logger.Info("Uploading guide", zap.String("path", path), zap.Int("bytes", len(data)))
	return uploader.UploadFile(ctx, sessionID, filepath.Base(path), pdfMIME, data)
}

// guideFiles lists the PDFs directly inside dir, sorted by name.
func guideFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read guides directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
