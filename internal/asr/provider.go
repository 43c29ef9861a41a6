// Package asr transcribes voice recordings through an ordered chain of
// speech-to-text providers: a local transcription service preferred when
// reachable, and an OpenAI-compatible cloud endpoint. A failing primary is
// retried once on the other provider before the chain gives up.
package asr

import (
	"context"
	"errors"
)

// ErrNoProvider indicates the chain has no usable provider configured.
var ErrNoProvider = errors.New("no asr provider available")

// Provider transcribes one audio file.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// AttemptState tracks one provider's progress within a chain run.
type AttemptState string

const (
	AttemptNotTried  AttemptState = "not_tried"
	AttemptTrying    AttemptState = "trying"
	AttemptSucceeded AttemptState = "succeeded"
	AttemptFailed    AttemptState = "failed"
)

// Attempt is one entry in the diagnostic trail of a chain run.
type Attempt struct {
	Provider string
	State    AttemptState
	Err      error
}
