package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local talks to a self-hosted transcription service (whisper.cpp style):
// POST /inference with the audio file, JSON {"text": ...} back.
type Local struct {
	baseURL    string
	httpClient *http.Client
}

// NewLocal creates a Local provider against the given base URL.
func NewLocal(baseURL string, timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Local{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (l *Local) Name() string {
	return "local"
}

// Reachable probes the service health endpoint with a short deadline.
// Used by the chain's auto mode to decide provider order.
func (l *Local) Reachable(ctx context.Context) bool {
	if l.baseURL == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

// Transcribe implements Provider.
func (l *Local) Transcribe(ctx context.Context, filePath string) (string, error) {
	if l.baseURL == "" {
		return "", fmt.Errorf("local asr: %w", ErrNoProvider)
	}
	body, contentType, err := fileForm(filePath, "file", nil)
	if err != nil {
		return "", fmt.Errorf("local asr: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/inference", body)
	if err != nil {
		return "", fmt.Errorf("local asr: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("local asr: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("local asr: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("local asr: unexpected status %d", resp.StatusCode)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("local asr: decode response: %w", err)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", fmt.Errorf("local asr: empty transcription")
	}
	return text, nil
}

// fileForm builds a multipart body with the audio file and extra fields.
func fileForm(filePath, fieldName string, extra map[string]string) (io.Reader, string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = file.Close()
	}()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(fieldName, filepath.Base(filePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	for key, value := range extra {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}
