// Package webhook receives Bitrix24 event callbacks, verifies them, and
// drives the enrichment and dispatch pipeline.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bridgewayai/b24bridge/internal/account"
	"github.com/bridgewayai/b24bridge/internal/attachment"
	"github.com/bridgewayai/b24bridge/internal/bitrix"
	"github.com/bridgewayai/b24bridge/internal/dispatch"
	"github.com/bridgewayai/b24bridge/internal/extract"
	"github.com/bridgewayai/b24bridge/internal/markup"
)

const maxBodyBytes int64 = 1 << 20 // 1 MiB

// channelName identifies this connector in dispatch envelopes.
const channelName = "bitrix"

// User-facing fallback wording. Timeout gets its own message so the user
// can tell a slow agent from a broken one.
const (
	fallbackTimeout = "Sorry, the reply took too long to prepare. Please try again."
	fallbackError   = "Sorry, something went wrong while processing your message."
)

// BitrixAPI is the REST surface the pipeline needs, satisfied by
// *bitrix.Client.
type BitrixAPI interface {
	SendMessage(ctx context.Context, dialogID, text string) error
	Typing(ctx context.Context, dialogID string) error
	GetFileInfo(ctx context.Context, fileID int64) (bitrix.FileInfo, error)
	DownloadFile(ctx context.Context, downloadURL string) ([]byte, error)
	AnswerCommand(ctx context.Context, command string, commandID, messageID int64, text string) error
}

// ClientFactory builds a REST client bound to one account.
type ClientFactory func(acct account.Account) BitrixAPI

// CacheClients memoizes a factory by account id. The client's rate-limit
// state has to outlive individual webhook events, so the same account must
// keep getting the same client instance.
func CacheClients(next ClientFactory) ClientFactory {
	var cache sync.Map
	return func(acct account.Account) BitrixAPI {
		if client, ok := cache.Load(acct.ID); ok {
			return client.(BitrixAPI)
		}
		client, _ := cache.LoadOrStore(acct.ID, next(acct))
		return client.(BitrixAPI)
	}
}

// HandlerConfig wires the pipeline collaborators.
type HandlerConfig struct {
	Accounts       account.Resolver
	Dispatcher     dispatch.Dispatcher
	Router         dispatch.Router
	Formatter      dispatch.Formatter
	Extractors     *extract.Set
	NewClient      ClientFactory
	MessageTimeout time.Duration
	CommandTimeout time.Duration
}

// Handler processes portal webhook callbacks.
type Handler struct {
	logger         *slog.Logger
	accounts       account.Resolver
	dispatcher     dispatch.Dispatcher
	router         dispatch.Router
	formatter      dispatch.Formatter
	extractors     *extract.Set
	newClient      ClientFactory
	messageTimeout time.Duration
	commandTimeout time.Duration
}

// NewHandler creates the webhook handler.
func NewHandler(cfg HandlerConfig, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 5 * time.Minute
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Minute
	}
	if cfg.Formatter == nil {
		cfg.Formatter = dispatch.EnvelopeFormatter{}
	}
	return &Handler{
		logger:         log.With(slog.String("handler", "bitrix_webhook")),
		accounts:       cfg.Accounts,
		dispatcher:     cfg.Dispatcher,
		router:         cfg.Router,
		formatter:      cfg.Formatter,
		extractors:     cfg.Extractors,
		newClient:      cfg.NewClient,
		messageTimeout: cfg.MessageTimeout,
		commandTimeout: cfg.CommandTimeout,
	}
}

// Register registers webhook callback routes.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/webhook/:account_id", h.HandleProbe)
	e.POST("/webhook/:account_id", h.Handle)
	e.POST("/webhook", h.Handle)
}

// HandleProbe responds to reachability checks on the webhook URL.
func (h *Handler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Handle processes one webhook callback. Structural errors get a 400;
// everything else, verification failures included, is acknowledged with
// 200 so the portal does not retry. Pipeline work runs detached from the
// HTTP exchange.
func (h *Handler) Handle(c echo.Context) error {
	if h.accounts == nil || h.dispatcher == nil || h.newClient == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal error"})
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil || int64(len(body)) > maxBodyBytes {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
	}
	payload, err := ParsePayload(c.Request().Header.Get(echo.HeaderContentType), body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
	}
	ev, err := Normalize(payload)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
	}

	ctx := c.Request().Context()
	acct, ok := h.verify(ctx, strings.TrimSpace(c.Param("account_id")), c.QueryParam("secret"))
	if !ok {
		// unverified events are dropped without disclosure
		return c.JSON(http.StatusOK, map[string]bool{"success": true})
	}

	switch ev.Type {
	case EventMessage:
		go h.safeProcess(context.WithoutCancel(ctx), "message", func(ctx context.Context) {
			h.processMessage(ctx, acct, ev)
		})
	case EventCommand:
		go h.safeProcess(context.WithoutCancel(ctx), "command", func(ctx context.Context) {
			h.processCommand(ctx, acct, ev)
		})
	case EventBotDeleted:
		h.logger.Info("bot removed from portal", slog.String("account", acct.ID))
	default:
		h.logger.Debug("ignoring event", slog.String("event", ev.Name))
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// verify loads the account and compares the supplied secret in constant
// time. Verification happens after the cheap structural checks and before
// any side-effecting work.
func (h *Handler) verify(ctx context.Context, accountID, secret string) (account.Account, bool) {
	acct, err := h.accounts.Resolve(ctx, accountID)
	if err != nil {
		h.logger.Warn("account lookup failed", slog.String("account", accountID), slog.Any("error", err))
		return account.Account{}, false
	}
	if !acct.Configured() {
		h.logger.Warn("account is not configured", slog.String("account", acct.ID))
		return account.Account{}, false
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(acct.WebhookSecret)) != 1 {
		h.logger.Warn("webhook secret mismatch", slog.String("account", acct.ID))
		return account.Account{}, false
	}
	return acct, true
}

func (h *Handler) safeProcess(ctx context.Context, kind string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("pipeline panic", slog.String("kind", kind), slog.Any("panic", r))
		}
	}()
	fn(ctx)
}

func (h *Handler) processMessage(ctx context.Context, acct account.Account, ev Event) {
	msg := parseMessage(ev.Data, h.logger)
	if h.isOwnMessage(acct, msg) {
		h.logger.Debug("dropping own message", slog.String("author", msg.AuthorID))
		return
	}
	// the agent side speaks markdown, not bracket markup
	msg.Text = markup.ToMarkdown(msg.Text)
	if msg.Text == "" && len(msg.FileIDs) == 0 {
		h.logger.Debug("dropping empty message", slog.String("dialog", msg.DialogID))
		return
	}
	client := h.newClient(acct)
	h.fireTyping(ctx, client, msg.DialogID)

	body := h.enrich(ctx, client, acct, msg)
	dc := h.buildContext(ctx, acct, msg, body)

	deliver := func(ctx context.Context, p dispatch.Payload) error {
		if strings.TrimSpace(p.Text) == "" {
			return nil
		}
		return client.SendMessage(ctx, msg.DialogID, p.Text)
	}
	h.dispatchWithFallback(ctx, h.messageTimeout, dc, deliver, func(ctx context.Context, text string) error {
		return client.SendMessage(ctx, msg.DialogID, text)
	})
}

func (h *Handler) processCommand(ctx context.Context, acct account.Account, ev Event) {
	cmd := parseCommand(ev.Data, h.logger)
	if h.isOwnMessage(acct, cmd.Message) {
		return
	}
	if cmd.Command == "" {
		h.logger.Debug("command event without command block", slog.String("dialog", cmd.DialogID))
		return
	}
	client := h.newClient(acct)
	h.fireTyping(ctx, client, cmd.DialogID)

	body := "/" + cmd.Command
	if strings.TrimSpace(cmd.Params) != "" {
		body += " " + strings.TrimSpace(cmd.Params)
	}
	dc := h.buildContext(ctx, acct, cmd.Message, body)

	// an answer is scoped to the originating invocation; fall back to a
	// plain send when the message id or command identity is missing
	messageID, _ := strconv.ParseInt(cmd.MessageID, 10, 64)
	send := func(ctx context.Context, text string) error {
		if messageID > 0 && cmd.CommandID > 0 {
			return client.AnswerCommand(ctx, cmd.Command, cmd.CommandID, messageID, text)
		}
		return client.SendMessage(ctx, cmd.DialogID, text)
	}
	deliver := func(ctx context.Context, p dispatch.Payload) error {
		if strings.TrimSpace(p.Text) == "" {
			return nil
		}
		return send(ctx, p.Text)
	}
	h.dispatchWithFallback(ctx, h.commandTimeout, dc, deliver, send)
}

func (h *Handler) isOwnMessage(acct account.Account, msg Message) bool {
	if msg.AuthorID == "" {
		return false
	}
	if acct.BotID != "" && msg.AuthorID == acct.BotID {
		return true
	}
	for _, id := range msg.BotIDs {
		if msg.AuthorID == id {
			return true
		}
	}
	return false
}

// fireTyping signals composing as a detached best-effort call.
func (h *Handler) fireTyping(ctx context.Context, client BitrixAPI, dialogID string) {
	go func() {
		if err := client.Typing(ctx, dialogID); err != nil {
			h.logger.Debug("typing indicator failed", slog.Any("error", err))
		}
	}()
}

// enrich resolves each referenced file and appends its extracted
// description to the message text. Failures degrade to placeholders.
func (h *Handler) enrich(ctx context.Context, client BitrixAPI, acct account.Account, msg Message) string {
	body := msg.Text
	for _, fileID := range msg.FileIDs {
		att := attachment.Resolve(ctx, client, fileID, h.logger)
		if att == nil {
			body = appendBlock(body, fmt.Sprintf("[File: %d]", fileID))
			continue
		}
		var data []byte
		if att.DownloadURL != "" && att.Category != attachment.CategoryVideo {
			var err error
			data, err = client.DownloadFile(ctx, att.DownloadURL)
			if err != nil {
				h.logger.Warn("file download failed",
					slog.Int64("file_id", fileID),
					slog.Any("error", err),
				)
				body = appendBlock(body, fmt.Sprintf("[File: %s, %d bytes]", att.Name, att.SizeBytes))
				continue
			}
		}
		desc := fmt.Sprintf("[File: %s, %d bytes]", att.Name, att.SizeBytes)
		if h.extractors != nil {
			desc = h.extractors.Describe(ctx, att, data, acct.ASRProvider)
		}
		body = appendBlock(body, desc)
	}
	return body
}

func appendBlock(body, block string) string {
	if body == "" {
		return block
	}
	return body + "\n\n" + block
}

func (h *Handler) buildContext(ctx context.Context, acct account.Account, msg Message, body string) dispatch.Context {
	dc := dispatch.Context{
		Channel:    channelName,
		AccountID:  acct.ID,
		SessionKey: acct.ID + ":" + msg.DialogID,
		SenderID:   msg.AuthorID,
		ChatType:   msg.ChatType,
		DialogID:   msg.DialogID,
		MessageID:  msg.MessageID,
		Body:       body,
		Timestamp:  time.Now().UTC(),
	}
	if h.router != nil {
		route, err := h.router.ResolveRoute(ctx, channelName, acct.ID, msg.DialogID)
		if err != nil {
			h.logger.Warn("route resolution failed", slog.Any("error", err))
		} else {
			dc.SessionKey = route.SessionKey
			dc.AgentID = route.AgentID
			if route.AccountID != "" {
				dc.AccountID = route.AccountID
			}
		}
	}
	if h.formatter != nil {
		dc.Body = h.formatter.FormatEnvelope(dc)
	}
	return dc
}

// dispatchWithFallback calls the dispatcher under the deadline and, on
// timeout or error, sends exactly one user-facing fallback message. The
// fallback send is itself best effort.
func (h *Handler) dispatchWithFallback(ctx context.Context, timeout time.Duration, dc dispatch.Context, deliver dispatch.DeliverFunc, send func(ctx context.Context, text string) error) {
	started := time.Now()
	err := dispatch.RunWithTimeout(ctx, timeout, func(ctx context.Context) error {
		return h.dispatcher.Dispatch(ctx, dc, deliver)
	})
	if err == nil {
		return
	}
	text := fallbackError
	if errors.Is(err, dispatch.ErrTimeout) {
		text = fallbackTimeout
		h.logger.Error("dispatch timed out",
			slog.String("session", dc.SessionKey),
			slog.Duration("elapsed", time.Since(started)),
		)
	} else {
		h.logger.Error("dispatch failed",
			slog.String("session", dc.SessionKey),
			slog.Any("error", err),
		)
	}
	if sendErr := send(ctx, text); sendErr != nil {
		h.logger.Warn("fallback send failed", slog.Any("error", sendErr))
	}
}
