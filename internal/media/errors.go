package media

import "errors"

var (
	// ErrFileTooLarge indicates a CRM file exceeds the max download size.
	ErrFileTooLarge = errors.New("media file too large")
)
