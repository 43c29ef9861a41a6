// Package attachment detects and classifies files referenced by inbound
// CRM events. Classification is a pure function of MIME type and filename;
// resolution fetches disk metadata and degrades to nil when the portal
// cannot provide it.
package attachment

import (
	"context"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/bridgewayai/b24bridge/internal/bitrix"
)

// Category classifies an attachment for extraction routing.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryVoice    Category = "voice"
	CategoryDocument Category = "document"
	CategoryFile     Category = "file"
)

// Attachment is one file referenced by an inbound event. Extraction stages
// fill Transcription / ContentDescription in place; the record is owned by
// a single request flow and never shared.
type Attachment struct {
	ID                 int64
	FileID             int64
	Name               string
	MimeType           string
	SizeBytes          int64
	Category           Category
	DownloadURL        string
	PreviewURL         string
	DurationSeconds    int64
	Transcription      string
	ContentDescription string
}

var voiceKeywords = []string{"voice", "recording"}

var voiceExts = map[string]bool{
	".ogg": true, ".oga": true, ".opus": true, ".amr": true,
	".m4a": true, ".mp3": true, ".wav": true, ".aac": true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".heic": true, ".svg": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".webm": true, ".m4v": true, ".3gp": true,
}

var documentExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".txt": true,
	".md": true, ".rtf": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".csv": true, ".log": true,
	".odt": true,
}

// Classify maps MIME type and filename to a category. The rule list is
// ordered: voice wins first so that filename keywords like "voice" or
// "recording" override ambiguous MIME types, then images, video, and
// documents; anything unmatched is a generic file.
func Classify(mimeType, name string) Category {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	lowerName := strings.ToLower(strings.TrimSpace(name))
	ext := path.Ext(lowerName)

	for _, keyword := range voiceKeywords {
		if strings.Contains(lowerName, keyword) {
			return CategoryVoice
		}
	}
	if strings.HasPrefix(mimeType, "audio/") || voiceExts[ext] {
		return CategoryVoice
	}
	if strings.HasPrefix(mimeType, "image/") || imageExts[ext] {
		return CategoryImage
	}
	if strings.HasPrefix(mimeType, "video/") || videoExts[ext] {
		return CategoryVideo
	}
	if strings.Contains(mimeType, "pdf") ||
		strings.Contains(mimeType, "msword") ||
		strings.Contains(mimeType, "officedocument") ||
		strings.Contains(mimeType, "opendocument") ||
		strings.HasPrefix(mimeType, "text/") ||
		documentExts[ext] {
		return CategoryDocument
	}
	return CategoryFile
}

// FileInfoAPI is the metadata-fetch surface of the REST client.
type FileInfoAPI interface {
	GetFileInfo(ctx context.Context, fileID int64) (bitrix.FileInfo, error)
}

// Resolve fetches disk metadata for a file id and builds a classified
// attachment. Any API failure yields nil: callers fall back to a generic
// placeholder downstream rather than failing the event.
func Resolve(ctx context.Context, api FileInfoAPI, fileID int64, log *slog.Logger) *Attachment {
	if log == nil {
		log = slog.Default()
	}
	if api == nil || fileID <= 0 {
		return nil
	}
	info, err := api.GetFileInfo(ctx, fileID)
	if err != nil {
		log.Warn("file info fetch failed",
			slog.Int64("file_id", fileID),
			slog.Any("error", err),
		)
		return nil
	}
	name := strings.TrimSpace(info.Name)
	mimeType := mime.TypeByExtension(path.Ext(strings.ToLower(name)))
	if idx := strings.Index(mimeType, ";"); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return &Attachment{
		ID:          fileID,
		FileID:      info.ID,
		Name:        name,
		MimeType:    mimeType,
		SizeBytes:   info.Size,
		Category:    Classify(mimeType, name),
		DownloadURL: strings.TrimSpace(info.DownloadURL),
		PreviewURL:  strings.TrimSpace(info.PreviewURL),
	}
}
