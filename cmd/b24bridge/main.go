package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgewayai/b24bridge/internal/account"
	"github.com/bridgewayai/b24bridge/internal/bitrix"
	"github.com/bridgewayai/b24bridge/internal/config"
	"github.com/bridgewayai/b24bridge/internal/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "b24bridge",
		Short: "Bitrix24 chat connector",
		Long:  "b24bridge bridges Bitrix24 open-line and bot chats to an agent gateway.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: ./config.toml or CONFIG_PATH)")

	root.AddCommand(serveCmd())
	root.AddCommand(healthCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health [account-id]",
		Short: "Probe a configured portal's REST credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			accountID := ""
			if len(args) > 0 {
				accountID = args[0]
			}
			resolver := account.NewConfigResolver(cfg)
			acct, err := resolver.Resolve(cmd.Context(), accountID)
			if err != nil {
				return fmt.Errorf("resolve account: %w", err)
			}
			client := bitrix.NewClient(bitrix.Config{
				Domain:        acct.Domain,
				UserID:        acct.UserID,
				Secret:        acct.WebhookSecret,
				ClientID:      acct.ClientID,
				BotID:         acct.BotID,
				MinRequestGap: time.Duration(cfg.Bitrix.MinRequestGapMs) * time.Millisecond,
			}, logger.L)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if !client.Health(ctx) {
				return fmt.Errorf("portal %s is not reachable", acct.ID)
			}
			fmt.Printf("portal %s ok\n", acct.ID)
			return nil
		},
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
