// Package extract turns resolved attachments into text descriptions the
// agent can reason about. Extractors never fail the pipeline: any error
// degrades to a bracketed placeholder carrying the filename and size.
package extract

import (
	"context"
	"fmt"

	"github.com/bridgewayai/b24bridge/internal/attachment"
)

// Set bundles the per-category extractors behind one entry point.
type Set struct {
	Image    *Image
	Document *Document
	Voice    *Voice
	Video    *Video
}

// Describe routes the attachment to its category extractor. asrMode is the
// account-level ASR preference forwarded to the voice extractor.
func (s *Set) Describe(ctx context.Context, att *attachment.Attachment, data []byte, asrMode string) string {
	switch att.Category {
	case attachment.CategoryImage:
		if s.Image != nil {
			return s.Image.Describe(ctx, att, data)
		}
	case attachment.CategoryDocument:
		if s.Document != nil {
			return s.Document.Describe(ctx, att, data)
		}
	case attachment.CategoryVoice:
		if s.Voice != nil {
			return s.Voice.Describe(ctx, att, data, asrMode)
		}
	case attachment.CategoryVideo:
		if s.Video != nil {
			return s.Video.Describe(att)
		}
	}
	return placeholder("File", att)
}

func placeholder(label string, att *attachment.Attachment) string {
	return fmt.Sprintf("[%s: %s, %d bytes]", label, att.Name, att.SizeBytes)
}
