package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/bridgewayai/b24bridge/internal/account"
	"github.com/bridgewayai/b24bridge/internal/agentgw"
	"github.com/bridgewayai/b24bridge/internal/asr"
	"github.com/bridgewayai/b24bridge/internal/bitrix"
	"github.com/bridgewayai/b24bridge/internal/config"
	"github.com/bridgewayai/b24bridge/internal/extract"
	"github.com/bridgewayai/b24bridge/internal/handlers"
	"github.com/bridgewayai/b24bridge/internal/logger"
	"github.com/bridgewayai/b24bridge/internal/server"
	"github.com/bridgewayai/b24bridge/internal/webhook"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideAccountResolver,
			provideAgentGateway,
			provideASRChain,
			provideExtractors,
			provideClientFactory,
			provideWebhookHandler,
			providePingHandler,
			providePortalHealthHandler,
			provideServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideAccountResolver(cfg config.Config) account.Resolver {
	return account.NewConfigResolver(cfg)
}

func provideAgentGateway(cfg config.Config, log *slog.Logger) *agentgw.Client {
	return agentgw.New(cfg.AgentGateway.BaseURL(), log)
}

func provideASRChain(cfg config.Config, log *slog.Logger) *asr.Chain {
	timeout := time.Duration(cfg.ASR.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	local := asr.NewLocal(cfg.ASR.LocalURL, timeout)
	var cloud asr.Provider
	if cfg.ASR.CloudAPIKey != "" {
		cloud = asr.NewCloud(cfg.ASR.CloudURL, cfg.ASR.CloudAPIKey, cfg.ASR.CloudModel, timeout)
	}
	return asr.NewChain(local, cloud, cfg.ASR.Provider, log)
}

func provideExtractors(cfg config.Config, gateway *agentgw.Client, chain *asr.Chain, log *slog.Logger) *extract.Set {
	tempDir := cfg.Media.TempDir
	image := extract.NewImage(gateway, tempDir, log)
	return &extract.Set{
		Image:    image,
		Document: extract.NewDocument(image, log),
		Voice:    extract.NewVoice(chain, tempDir, log),
		Video:    extract.NewVideo(),
	}
}

func provideClientFactory(cfg config.Config, log *slog.Logger) webhook.ClientFactory {
	// one long-lived client per account, so the request gap is enforced
	// across webhook events
	return webhook.CacheClients(func(acct account.Account) webhook.BitrixAPI {
		return newPortalClient(cfg, acct, log)
	})
}

func newPortalClient(cfg config.Config, acct account.Account, log *slog.Logger) *bitrix.Client {
	return bitrix.NewClient(bitrix.Config{
		Domain:            acct.Domain,
		UserID:            acct.UserID,
		Secret:            acct.WebhookSecret,
		ClientID:          acct.ClientID,
		BotID:             acct.BotID,
		MinRequestGap:     time.Duration(cfg.Bitrix.MinRequestGapMs) * time.Millisecond,
		MessageChunkLimit: cfg.Bitrix.MessageChunkLimit,
	}, log)
}

func provideWebhookHandler(cfg config.Config, resolver account.Resolver, gateway *agentgw.Client, extractors *extract.Set, factory webhook.ClientFactory, log *slog.Logger) *webhook.Handler {
	return webhook.NewHandler(webhook.HandlerConfig{
		Accounts:       resolver,
		Dispatcher:     gateway,
		Extractors:     extractors,
		NewClient:      factory,
		MessageTimeout: cfg.Dispatch.MessageTimeoutDuration(),
		CommandTimeout: cfg.Dispatch.CommandTimeoutDuration(),
	}, log)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func providePortalHealthHandler(cfg config.Config, resolver account.Resolver, log *slog.Logger) *handlers.PortalHealthHandler {
	return handlers.NewPortalHealthHandler(log, resolver, func(acct account.Account) handlers.PortalProber {
		return newPortalClient(cfg, acct, log)
	})
}

func provideServer(cfg config.Config, log *slog.Logger, webhookHandler *webhook.Handler, ping *handlers.PingHandler, portalHealth *handlers.PortalHealthHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, log, ping, portalHealth, webhookHandler)
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
