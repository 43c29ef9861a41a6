// Package agentgw is the HTTP client for the agent gateway, the process
// that owns routing, context assembly, and the agent runs themselves. It
// backs both the dispatcher and the image-analysis capability.
package agentgw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bridgewayai/b24bridge/internal/dispatch"
)

const maxDeliveryLine = 1 << 20

// defaultAnalyzeTimeout bounds a single analyze call. Dispatch streams
// under the caller's deadline, but analyze runs during enrichment where no
// deadline is armed yet.
const defaultAnalyzeTimeout = 2 * time.Minute

type Client struct {
	baseURL        string
	httpClient     *http.Client
	analyzeTimeout time.Duration
	logger         *slog.Logger
}

func New(baseURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// no client timeout: the dispatch deadline comes in via ctx
		httpClient:     &http.Client{},
		analyzeTimeout: defaultAnalyzeTimeout,
		logger:         log.With(slog.String("component", "agentgw")),
	}
}

type dispatchRequest struct {
	Channel    string    `json:"channel"`
	AccountID  string    `json:"account_id"`
	SessionKey string    `json:"session_key"`
	AgentID    string    `json:"agent_id,omitempty"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	ChatType   string    `json:"chat_type"`
	DialogID   string    `json:"dialog_id"`
	MessageID  string    `json:"message_id,omitempty"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// Dispatch posts the envelope and streams newline-delimited JSON
// deliveries back through deliver until the gateway closes the response.
func (c *Client) Dispatch(ctx context.Context, dc dispatch.Context, deliver dispatch.DeliverFunc) error {
	payload, err := json.Marshal(dispatchRequest{
		Channel:    dc.Channel,
		AccountID:  dc.AccountID,
		SessionKey: dc.SessionKey,
		AgentID:    dc.AgentID,
		SenderID:   dc.SenderID,
		SenderName: dc.SenderName,
		ChatType:   dc.ChatType,
		DialogID:   dc.DialogID,
		MessageID:  dc.MessageID,
		Body:       dc.Body,
		Timestamp:  dc.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/dispatch", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("dispatch request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDeliveryLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var p dispatch.Payload
		if err := json.Unmarshal(line, &p); err != nil {
			c.logger.Warn("skip malformed delivery line", slog.Any("error", err))
			continue
		}
		if err := deliver(ctx, p); err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read deliveries: %w", err)
	}
	return nil
}

// Analyze sends an image file for description. Implements the
// extract.ImageAnalyzer contract.
func (c *Client) Analyze(ctx context.Context, filePath, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.analyzeTimeout)
	defer cancel()
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("build analyze form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	if err := mw.WriteField("prompt", prompt); err != nil {
		return "", fmt.Errorf("build analyze form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build analyze form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", &buf)
	if err != nil {
		return "", fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("analyze request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("analyze request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode analyze response: %w", err)
	}
	if strings.TrimSpace(result.Text) == "" {
		return "", fmt.Errorf("analyze response: empty text")
	}
	return result.Text, nil
}
