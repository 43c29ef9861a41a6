package asr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ModeEnvVar overrides the provider order when config and account say nothing.
const ModeEnvVar = "B24BRIDGE_ASR"

// ReachableProvider is a Provider whose availability can be probed cheaply.
type ReachableProvider interface {
	Provider
	Reachable(ctx context.Context) bool
}

// Chain runs providers in order until one transcribes successfully.
// Order resolution: explicit per-account mode, then the configured global
// mode, then the B24BRIDGE_ASR environment variable, then automatic
// (probe the local service and prefer it when reachable). A failing
// primary falls back to the remaining provider automatically.
type Chain struct {
	local      ReachableProvider
	cloud      Provider
	globalMode string
	logger     *slog.Logger
}

// NewChain creates a provider chain. Either provider may be nil.
func NewChain(local ReachableProvider, cloud Provider, globalMode string, log *slog.Logger) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		local:      local,
		cloud:      cloud,
		globalMode: strings.TrimSpace(globalMode),
		logger:     log.With(slog.String("component", "asr")),
	}
}

// Transcribe runs the chain for one audio file. The returned trail records
// every provider's final state for diagnostics regardless of outcome.
func (c *Chain) Transcribe(ctx context.Context, filePath, accountMode string) (string, []Attempt, error) {
	order := c.resolveOrder(ctx, accountMode)
	if len(order) == 0 {
		return "", nil, ErrNoProvider
	}
	trail := make([]Attempt, len(order))
	for i, provider := range order {
		trail[i] = Attempt{Provider: provider.Name(), State: AttemptNotTried}
	}
	for i, provider := range order {
		trail[i].State = AttemptTrying
		text, err := provider.Transcribe(ctx, filePath)
		if err == nil {
			trail[i].State = AttemptSucceeded
			c.logTrail(trail)
			return text, trail, nil
		}
		trail[i].State = AttemptFailed
		trail[i].Err = err
		c.logger.Warn("asr provider failed",
			slog.String("provider", provider.Name()),
			slog.Any("error", err),
		)
	}
	c.logTrail(trail)
	return "", trail, fmt.Errorf("all asr providers failed: %w", trail[len(trail)-1].Err)
}

func (c *Chain) resolveOrder(ctx context.Context, accountMode string) []Provider {
	mode := strings.ToLower(strings.TrimSpace(accountMode))
	if mode == "" {
		mode = strings.ToLower(c.globalMode)
	}
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(os.Getenv(ModeEnvVar)))
	}
	switch mode {
	case "local":
		return c.providers(c.localOrNil(), c.cloud)
	case "cloud":
		return c.providers(c.cloud, c.localOrNil())
	default:
		// auto: prefer the local service when it answers its health probe
		if c.local != nil && c.local.Reachable(ctx) {
			return c.providers(c.local, c.cloud)
		}
		return c.providers(c.cloud, c.localOrNil())
	}
}

func (c *Chain) localOrNil() Provider {
	if c.local == nil {
		return nil
	}
	return c.local
}

func (c *Chain) providers(items ...Provider) []Provider {
	result := make([]Provider, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		result = append(result, item)
	}
	return result
}

func (c *Chain) logTrail(trail []Attempt) {
	parts := make([]string, 0, len(trail))
	for _, attempt := range trail {
		parts = append(parts, attempt.Provider+"="+string(attempt.State))
	}
	c.logger.Debug("asr attempt trail", slog.String("trail", strings.Join(parts, ",")))
}
