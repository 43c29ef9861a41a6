package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bridgewayai/b24bridge/internal/attachment"
)

// describePrompt is the fixed instruction sent with every analyzed image.
const describePrompt = "Describe this image. Mention any visible text verbatim."

// ImageAnalyzer is the injected image-analysis capability.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, filePath, prompt string) (string, error)
}

// Image persists the bytes to a temp file and asks the analyzer to
// describe it. The temp file is removed on success and kept on failure so
// the placeholder can point at it.
type Image struct {
	analyzer ImageAnalyzer
	tempDir  string
	logger   *slog.Logger
}

func NewImage(analyzer ImageAnalyzer, tempDir string, log *slog.Logger) *Image {
	if log == nil {
		log = slog.Default()
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Image{
		analyzer: analyzer,
		tempDir:  tempDir,
		logger:   log.With(slog.String("component", "extract.image")),
	}
}

func (e *Image) Describe(ctx context.Context, att *attachment.Attachment, data []byte) string {
	ext := strings.ToLower(filepath.Ext(att.Name))
	if ext == "" {
		ext = ".img"
	}
	path := filepath.Join(e.tempDir, fmt.Sprintf("img_%d_%s%s", att.ID, uuid.NewString()[:8], ext))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		e.logger.Warn("write image temp file", slog.Any("error", err))
		return placeholder("Image", att)
	}
	if e.analyzer == nil {
		return fmt.Sprintf("[Image: %s, %d bytes, saved to %s]", att.Name, att.SizeBytes, path)
	}
	text, err := e.analyzer.Analyze(ctx, path, describePrompt)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			e.logger.Warn("image analysis failed", slog.String("name", att.Name), slog.Any("error", err))
		}
		return fmt.Sprintf("[Image: %s, %d bytes, saved to %s]", att.Name, att.SizeBytes, path)
	}
	if err := os.Remove(path); err != nil {
		e.logger.Warn("remove image temp file", slog.Any("error", err))
	}
	att.ContentDescription = text
	return fmt.Sprintf("[Image: %s, %d bytes]\n%s", att.Name, att.SizeBytes, text)
}
