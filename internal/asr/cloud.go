package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Cloud talks to an OpenAI-compatible /audio/transcriptions endpoint.
type Cloud struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewCloud creates a Cloud provider. Model defaults to whisper-1.
func NewCloud(baseURL, apiKey, model string, timeout time.Duration) *Cloud {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Cloud{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (c *Cloud) Name() string {
	return "cloud"
}

// Transcribe implements Provider.
func (c *Cloud) Transcribe(ctx context.Context, filePath string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("cloud asr: %w", ErrNoProvider)
	}
	body, contentType, err := fileForm(filePath, "file", map[string]string{"model": c.model})
	if err != nil {
		return "", fmt.Errorf("cloud asr: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return "", fmt.Errorf("cloud asr: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloud asr: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("cloud asr: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cloud asr: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("cloud asr: decode response: %w", err)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", fmt.Errorf("cloud asr: empty transcription")
	}
	return text, nil
}
