// Package dispatch defines the collaborator contracts between webhook
// ingestion and the agent host, plus the timeout boundary around the
// agent call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout reports that the agent did not answer within the deadline.
var ErrTimeout = errors.New("dispatch timed out")

// Chat types carried in Context.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Context is the normalized envelope handed to the dispatcher. Built once
// per event, read-only afterward.
type Context struct {
	Channel    string
	AccountID  string
	SessionKey string
	AgentID    string
	SenderID   string
	SenderName string
	ChatType   string
	DialogID   string
	MessageID  string
	Body       string
	Timestamp  time.Time
}

// Route identifies the agent session that handles one conversation.
type Route struct {
	SessionKey string
	AgentID    string
	AccountID  string
}

// Router resolves which agent session a channel peer maps to.
type Router interface {
	ResolveRoute(ctx context.Context, channel, accountID, peer string) (Route, error)
}

// Payload is one outgoing delivery produced by the agent.
type Payload struct {
	Text string `json:"text"`
}

// DeliverFunc receives agent output. Invoked zero or more times per
// dispatch.
type DeliverFunc func(ctx context.Context, p Payload) error

// Dispatcher runs the agent for one envelope, streaming replies through
// deliver.
type Dispatcher interface {
	Dispatch(ctx context.Context, dc Context, deliver DeliverFunc) error
}

// Formatter renders the envelope body text from the context fields.
type Formatter interface {
	FormatEnvelope(dc Context) string
}

// EnvelopeFormatter is the default Formatter: sender line, then the body.
type EnvelopeFormatter struct{}

func (EnvelopeFormatter) FormatEnvelope(dc Context) string {
	var b strings.Builder
	name := dc.SenderName
	if name == "" {
		name = dc.SenderID
	}
	fmt.Fprintf(&b, "From %s (%s chat):\n", name, dc.ChatType)
	b.WriteString(dc.Body)
	return b.String()
}

// RunWithTimeout runs fn under a deadline and translates expiry into
// ErrTimeout. The underlying call keeps running after expiry; only the
// wait is abandoned.
func RunWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}
