// Package account resolves Bitrix24 portal bindings for inbound events.
// Accounts are resolved fresh on every request so configuration changes
// take effect without a restart; nothing here is cached.
package account

import (
	"context"
	"errors"
	"strings"

	"github.com/bridgewayai/b24bridge/internal/config"
)

// ErrNotFound indicates no account matches the requested id.
var ErrNotFound = errors.New("account not found")

// Account is one resolved Bitrix24 portal binding.
type Account struct {
	ID            string
	Domain        string
	WebhookSecret string
	UserID        string
	BotID         string
	ClientID      string
	ASRProvider   string
	Commands      []string
}

// Configured reports whether the account can talk to its portal.
// Both the domain and the webhook secret must be present.
func (a Account) Configured() bool {
	return strings.TrimSpace(a.Domain) != "" && strings.TrimSpace(a.WebhookSecret) != ""
}

// Resolver looks up an account by id. An empty id selects the sole
// configured account when exactly one exists.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (Account, error)
}

// ConfigResolver resolves accounts from the loaded TOML configuration.
type ConfigResolver struct {
	cfg config.Config
}

// NewConfigResolver creates a Resolver backed by the process configuration.
func NewConfigResolver(cfg config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

// Resolve implements Resolver.
func (r *ConfigResolver) Resolve(_ context.Context, accountID string) (Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" && len(r.cfg.Accounts) == 1 {
		return fromConfig(r.cfg.Accounts[0]), nil
	}
	for _, entry := range r.cfg.Accounts {
		if strings.TrimSpace(entry.ID) == accountID {
			return fromConfig(entry), nil
		}
	}
	return Account{}, ErrNotFound
}

func fromConfig(entry config.AccountConfig) Account {
	return Account{
		ID:            strings.TrimSpace(entry.ID),
		Domain:        strings.TrimSpace(entry.Domain),
		WebhookSecret: strings.TrimSpace(entry.WebhookSecret),
		UserID:        strings.TrimSpace(entry.UserID),
		BotID:         strings.TrimSpace(entry.BotID),
		ClientID:      strings.TrimSpace(entry.ClientID),
		ASRProvider:   strings.TrimSpace(entry.ASRProvider),
		Commands:      entry.Commands,
	}
}
