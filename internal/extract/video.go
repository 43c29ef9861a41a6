package extract

import (
	"fmt"

	"github.com/bridgewayai/b24bridge/internal/attachment"
)

// Video produces a metadata summary only; no content analysis.
type Video struct{}

func NewVideo() *Video { return &Video{} }

func (e *Video) Describe(att *attachment.Attachment) string {
	if att.DurationSeconds > 0 {
		return fmt.Sprintf("[Video: %s, %d bytes, %ds]", att.Name, att.SizeBytes, att.DurationSeconds)
	}
	return placeholder("Video", att)
}
