package bitrix

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bridgewayai/b24bridge/internal/markup"
	"github.com/bridgewayai/b24bridge/internal/media"
)

const (
	methodMessageAdd        = "imbot.message.add"
	methodUserMessageAdd    = "im.message.add"
	methodTyping            = "im.dialog.writing"
	methodCommandRegister   = "imbot.command.register"
	methodCommandUpdate     = "imbot.command.update"
	methodCommandUnregister = "imbot.command.unregister"
	methodCommandList       = "imbot.command.list"
	methodCommandAnswer     = "imbot.command.answer"
	methodFileGet           = "disk.file.get"
	methodFileUpload        = "im.disk.file.commit"
	methodUserGet           = "user.get"
	methodServerTime        = "server.time"
)

// Config describes one portal connection. Domain plus user id and secret
// form an inbound-webhook base URL; without them BaseURL (or domain alone)
// is used as a bare REST endpoint and ClientID is appended as a query token
// for privileged bot methods.
type Config struct {
	Domain   string
	UserID   string
	Secret   string
	ClientID string
	BotID    string

	// BaseURL overrides the URL derived from Domain. Tests use this.
	BaseURL string

	MinRequestGap     time.Duration
	MessageChunkLimit int
	HTTPClient        *http.Client
}

// Client is a rate-limited Bitrix24 REST caller. The limiter is shared by
// every method on the instance: each call waits out the minimum
// inter-request gap measured from the previous call's start. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	clientID   string
	botID      string
	chunkLimit int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Client for one portal.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	gap := cfg.MinRequestGap
	if gap <= 0 {
		gap = time.Second
	}
	chunkLimit := cfg.MessageChunkLimit
	if chunkLimit <= 0 {
		chunkLimit = 8000
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    resolveBaseURL(cfg),
		clientID:   strings.TrimSpace(cfg.ClientID),
		botID:      strings.TrimSpace(cfg.BotID),
		chunkLimit: chunkLimit,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Every(gap), 1),
		logger:     log.With(slog.String("client", "bitrix")),
	}
}

func resolveBaseURL(cfg Config) string {
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		return strings.TrimRight(base, "/") + "/"
	}
	domain := strings.TrimSpace(cfg.Domain)
	if domain == "" {
		return ""
	}
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		domain = "https://" + domain
	}
	domain = strings.TrimRight(domain, "/")
	userID := strings.TrimSpace(cfg.UserID)
	secret := strings.TrimSpace(cfg.Secret)
	if userID != "" && secret != "" {
		return domain + "/rest/" + userID + "/" + secret + "/"
	}
	return domain + "/rest/"
}

// BotID returns the configured bot identifier, empty when none.
func (c *Client) BotID() string {
	return c.botID
}

// Call invokes a REST method with the given parameters and returns the raw
// result payload. It waits out the inter-request gap first.
func (c *Client) Call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("bitrix client is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	if c.clientID != "" {
		params.Set("CLIENT_ID", c.clientID)
	}
	endpoint := c.baseURL + method + ".json?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if env.Error != "" {
		return nil, &APIError{Method: method, Code: env.Error, Description: env.ErrorDescription}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}
	return env.Result, nil
}

// SendMessage delivers text to a dialog, converting markdown to the
// portal's bracket markup first. Long text is split at the portal message
// limit and sent as consecutive messages. The bot-originated variant is
// used when a bot id is configured; it is required for command-capable
// accounts.
func (c *Client) SendMessage(ctx context.Context, dialogID, text string) error {
	dialogID = strings.TrimSpace(dialogID)
	if dialogID == "" {
		return fmt.Errorf("dialog id is required")
	}
	converted := markup.ToBB(text)
	chunks := ChunkText(converted, c.chunkLimit)
	if len(chunks) == 0 {
		return fmt.Errorf("message is required")
	}
	for _, chunk := range chunks {
		params := url.Values{}
		params.Set("DIALOG_ID", dialogID)
		params.Set("MESSAGE", chunk)
		method := methodUserMessageAdd
		if c.botID != "" {
			method = methodMessageAdd
			params.Set("BOT_ID", c.botID)
		}
		if _, err := c.Call(ctx, method, params); err != nil {
			return err
		}
	}
	return nil
}

// Typing signals that the bot is composing a reply. Best effort by
// contract: callers fire it without awaiting the critical path.
func (c *Client) Typing(ctx context.Context, dialogID string) error {
	params := url.Values{}
	params.Set("DIALOG_ID", strings.TrimSpace(dialogID))
	_, err := c.Call(ctx, methodTyping, params)
	return err
}

// GetFileInfo fetches disk metadata for a file id.
func (c *Client) GetFileInfo(ctx context.Context, fileID int64) (FileInfo, error) {
	params := url.Values{}
	params.Set("id", fmt.Sprint(fileID))
	result, err := c.Call(ctx, methodFileGet, params)
	if err != nil {
		return FileInfo{}, err
	}
	var info FileInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return FileInfo{}, fmt.Errorf("%s: decode file info: %w", methodFileGet, err)
	}
	return info, nil
}

// DownloadFile fetches file bytes from a download URL obtained via
// GetFileInfo, capped at media.MaxDownloadBytes.
func (c *Client) DownloadFile(ctx context.Context, downloadURL string) ([]byte, error) {
	downloadURL = strings.TrimSpace(downloadURL)
	if downloadURL == "" {
		return nil, fmt.Errorf("download url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}
	return media.ReadAllWithLimit(resp.Body, media.MaxDownloadBytes)
}

// UploadFile pushes file bytes into a dialog. The payload travels base64
// encoded in the query per the portal's commit convention.
func (c *Client) UploadFile(ctx context.Context, dialogID, name string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("file data is required")
	}
	params := url.Values{}
	params.Set("DIALOG_ID", strings.TrimSpace(dialogID))
	params.Set("NAME", strings.TrimSpace(name))
	params.Set("FILE_CONTENT", base64.StdEncoding.EncodeToString(data))
	if c.botID != "" {
		params.Set("BOT_ID", c.botID)
	}
	_, err := c.Call(ctx, methodFileUpload, params)
	return err
}

// GetUser looks up a portal user by id.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	params := url.Values{}
	params.Set("ID", strings.TrimSpace(userID))
	result, err := c.Call(ctx, methodUserGet, params)
	if err != nil {
		return User{}, err
	}
	// user.get returns a single-element list
	var users []User
	if err := json.Unmarshal(result, &users); err != nil {
		var user User
		if err := json.Unmarshal(result, &user); err != nil {
			return User{}, fmt.Errorf("%s: decode user: %w", methodUserGet, err)
		}
		return user, nil
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("%s: user not found", methodUserGet)
	}
	return users[0], nil
}

// Health probes the portal with a lightweight authenticated call. It never
// returns an error; failures are logged and reported as false.
func (c *Client) Health(ctx context.Context) bool {
	_, err := c.Call(ctx, methodServerTime, nil)
	if err != nil {
		c.logger.Warn("health probe failed", slog.Any("error", err))
		return false
	}
	return true
}

// RegisterCommand registers a bot command on the portal.
func (c *Client) RegisterCommand(ctx context.Context, command, eventHandlerURL string, common bool) error {
	if c.botID == "" {
		return fmt.Errorf("bot id is required for command registration")
	}
	params := url.Values{}
	params.Set("BOT_ID", c.botID)
	params.Set("COMMAND", strings.TrimSpace(command))
	params.Set("EVENT_COMMAND_ADD", strings.TrimSpace(eventHandlerURL))
	params.Set("COMMON", yn(common))
	_, err := c.Call(ctx, methodCommandRegister, params)
	return err
}

// UpdateCommand changes the properties of a registered command.
func (c *Client) UpdateCommand(ctx context.Context, commandID int64, fields url.Values) error {
	params := url.Values{}
	params.Set("COMMAND_ID", fmt.Sprint(commandID))
	for key, values := range fields {
		for _, value := range values {
			params.Add("FIELDS["+key+"]", value)
		}
	}
	_, err := c.Call(ctx, methodCommandUpdate, params)
	return err
}

// UnregisterCommand removes a command registration.
func (c *Client) UnregisterCommand(ctx context.Context, commandID int64) error {
	params := url.Values{}
	params.Set("COMMAND_ID", fmt.Sprint(commandID))
	_, err := c.Call(ctx, methodCommandUnregister, params)
	return err
}

// ListCommands returns the portal's current command registrations. The
// list, not any local state, is the source of truth for visibility flags.
func (c *Client) ListCommands(ctx context.Context) ([]Command, error) {
	result, err := c.Call(ctx, methodCommandList, nil)
	if err != nil {
		return nil, err
	}
	var commands []Command
	if err := json.Unmarshal(result, &commands); err != nil {
		return nil, fmt.Errorf("%s: decode commands: %w", methodCommandList, err)
	}
	return commands, nil
}

// AnswerCommand replies in the scope of a specific command invocation.
func (c *Client) AnswerCommand(ctx context.Context, command string, commandID int64, messageID int64, text string) error {
	params := url.Values{}
	params.Set("COMMAND", strings.TrimSpace(command))
	params.Set("COMMAND_ID", fmt.Sprint(commandID))
	params.Set("MESSAGE_ID", fmt.Sprint(messageID))
	params.Set("MESSAGE", markup.ToBB(text))
	_, err := c.Call(ctx, methodCommandAnswer, params)
	return err
}

// SetCommandsHidden flips the visibility of every registered command.
// The live list is fetched first: visibility state held locally may be
// stale, the portal's list is authoritative.
func (c *Client) SetCommandsHidden(ctx context.Context, hidden bool) error {
	commands, err := c.ListCommands(ctx)
	if err != nil {
		return err
	}
	for _, cmd := range commands {
		if cmd.Hidden == hidden {
			continue
		}
		fields := url.Values{}
		fields.Set("HIDDEN", yn(hidden))
		if err := c.UpdateCommand(ctx, cmd.ID, fields); err != nil {
			return err
		}
	}
	return nil
}

func yn(value bool) string {
	if value {
		return "Y"
	}
	return "N"
}
