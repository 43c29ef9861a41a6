package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgewayai/b24bridge/internal/account"
	"github.com/bridgewayai/b24bridge/internal/bitrix"
	"github.com/bridgewayai/b24bridge/internal/dispatch"
)

type sentMessage struct {
	DialogID string
	Text     string
}

type answeredCommand struct {
	Command   string
	CommandID int64
	MessageID int64
	Text      string
}

type fakeAPI struct {
	mu       sync.Mutex
	sent     []sentMessage
	answered []answeredCommand
	typing   int
	fileInfo map[int64]bitrix.FileInfo
	files    map[string][]byte
}

func (f *fakeAPI) SendMessage(ctx context.Context, dialogID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{DialogID: dialogID, Text: text})
	return nil
}

func (f *fakeAPI) Typing(ctx context.Context, dialogID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeAPI) GetFileInfo(ctx context.Context, fileID int64) (bitrix.FileInfo, error) {
	info, ok := f.fileInfo[fileID]
	if !ok {
		return bitrix.FileInfo{}, errors.New("not found")
	}
	return info, nil
}

func (f *fakeAPI) DownloadFile(ctx context.Context, downloadURL string) ([]byte, error) {
	data, ok := f.files[downloadURL]
	if !ok {
		return nil, errors.New("download failed")
	}
	return data, nil
}

func (f *fakeAPI) AnswerCommand(ctx context.Context, command string, commandID, messageID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, answeredCommand{Command: command, CommandID: commandID, MessageID: messageID, Text: text})
	return nil
}

func (f *fakeAPI) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeAPI) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent) + len(f.answered) + f.typing
}

type fakeDispatcher struct {
	mu       sync.Mutex
	contexts []dispatch.Context
	replies  []dispatch.Payload
	block    bool
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, dc dispatch.Context, deliver dispatch.DeliverFunc) error {
	f.mu.Lock()
	f.contexts = append(f.contexts, dc)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, p := range f.replies {
		if err := deliver(ctx, p); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeDispatcher) seen() []dispatch.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dispatch.Context, len(f.contexts))
	copy(out, f.contexts)
	return out
}

type fakeResolver struct{ acct account.Account }

func (f *fakeResolver) Resolve(ctx context.Context, accountID string) (account.Account, error) {
	if accountID != "" && accountID != f.acct.ID {
		return account.Account{}, account.ErrNotFound
	}
	return f.acct, nil
}

func testAccount() account.Account {
	return account.Account{
		ID:            "acct",
		Domain:        "example.bitrix24.com",
		WebhookSecret: "s3cret",
		BotID:         "55",
	}
}

func newTestHandler(api *fakeAPI, disp *fakeDispatcher, timeout time.Duration) *Handler {
	return NewHandler(HandlerConfig{
		Accounts:       &fakeResolver{acct: testAccount()},
		Dispatcher:     disp,
		NewClient:      func(acct account.Account) BitrixAPI { return api },
		MessageTimeout: timeout,
		CommandTimeout: timeout,
	}, nil)
}

func postWebhook(t *testing.T, h *Handler, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.Register(e)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func messageForm(text, from string) url.Values {
	form := url.Values{}
	form.Set("event", "ONIMMESSAGEADD")
	form.Set("data[PARAMS][MESSAGE]", text)
	form.Set("data[PARAMS][FROM_USER_ID]", from)
	return form
}

func TestHandleInvalidPayload(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAPI{}, &fakeDispatcher{}, time.Second)
	form := url.Values{}
	form.Set("data[PARAMS][MESSAGE]", "hi") // no event field
	rec := postWebhook(t, h, "/webhook/acct?secret=s3cret", form)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid payload"}`, rec.Body.String())
}

func TestHandleWrongSecretSilentDrop(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{replies: []dispatch.Payload{{Text: "hi back"}}}
	h := newTestHandler(api, disp, time.Second)

	rec := postWebhook(t, h, "/webhook/acct?secret=wrong", messageForm("hello", "42"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, api.totalCalls(), "no REST calls on secret mismatch")
	assert.Empty(t, disp.seen(), "dispatcher must not run on secret mismatch")
}

func TestHandleEndToEnd(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{replies: []dispatch.Payload{{Text: "hi back"}}}
	h := newTestHandler(api, disp, time.Second)

	rec := postWebhook(t, h, "/webhook/acct?secret=s3cret", messageForm("hello", "42"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return len(api.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := api.sentMessages()[0]
	assert.Equal(t, "42", sent.DialogID)
	assert.Equal(t, "hi back", sent.Text)

	contexts := disp.seen()
	require.Len(t, contexts, 1)
	assert.Contains(t, contexts[0].Body, "hello")
	assert.Equal(t, "42", contexts[0].SenderID)
}

func TestDispatchTimeoutSendsOneFallback(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{block: true}
	h := newTestHandler(api, disp, 50*time.Millisecond)

	ev, err := Normalize(map[string]any{
		"event": "ONIMMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{"MESSAGE": "hello", "FROM_USER_ID": "42"},
		},
	})
	require.NoError(t, err)

	start := time.Now()
	h.processMessage(context.Background(), testAccount(), ev)
	assert.Less(t, time.Since(start), 2*time.Second)

	sent := api.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, fallbackTimeout, sent[0].Text)
}

func TestDispatchErrorSendsGenericFallback(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{err: errors.New("agent exploded")}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{"MESSAGE": "hello", "FROM_USER_ID": "42"},
		},
	})
	require.NoError(t, err)

	h.processMessage(context.Background(), testAccount(), ev)
	sent := api.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, fallbackError, sent[0].Text)
}

func TestLoopPreventionDropsOwnMessages(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{replies: []dispatch.Payload{{Text: "echo"}}}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMBOTMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{"MESSAGE": "hi", "FROM_USER_ID": "55"},
			"BOT":    map[string]any{"55": map[string]any{"BOT_ID": "55"}},
		},
	})
	require.NoError(t, err)

	h.processMessage(context.Background(), testAccount(), ev)
	assert.Zero(t, api.totalCalls())
	assert.Empty(t, disp.seen())
}

func TestEmptyMessageDropped(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{"MESSAGE": "  ", "FROM_USER_ID": "42"},
		},
	})
	require.NoError(t, err)

	h.processMessage(context.Background(), testAccount(), ev)
	assert.Zero(t, api.totalCalls())
	assert.Empty(t, disp.seen())
}

func TestBlankDeliveriesSkipped(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{replies: []dispatch.Payload{{Text: "  "}, {Text: "real"}}}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{"MESSAGE": "hi", "FROM_USER_ID": "42"},
		},
	})
	require.NoError(t, err)

	h.processMessage(context.Background(), testAccount(), ev)
	sent := api.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "real", sent[0].Text)
}

func TestAttachmentEnrichment(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		fileInfo: map[int64]bitrix.FileInfo{
			310: {ID: 310, Name: "report.docx", Size: 900, DownloadURL: "https://dl/310"},
		},
		files: map[string][]byte{"https://dl/310": []byte("PK...")},
	}
	disp := &fakeDispatcher{}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{
				"MESSAGE":      "see attached",
				"FROM_USER_ID": "42",
				"FILES": map[string]any{
					"310": map[string]any{"id": "310"},
				},
			},
		},
	})
	require.NoError(t, err)

	h.processMessage(context.Background(), testAccount(), ev)
	contexts := disp.seen()
	require.Len(t, contexts, 1)
	assert.Contains(t, contexts[0].Body, "see attached")
	assert.Contains(t, contexts[0].Body, "report.docx")
}

func TestUnresolvableAttachmentPlaceholder(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{
				"FROM_USER_ID": "42",
				"FILES": map[string]any{
					"999": map[string]any{"id": "999"},
				},
			},
		},
	})
	require.NoError(t, err)

	h.processMessage(context.Background(), testAccount(), ev)
	contexts := disp.seen()
	require.Len(t, contexts, 1)
	assert.Contains(t, contexts[0].Body, "[File: 999]")
}

func TestCommandAnswersInScope(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{replies: []dispatch.Payload{{Text: "done"}}}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMCOMMANDADD",
		"data": map[string]any{
			"COMMAND": map[string]any{
				"99": map[string]any{
					"COMMAND":        "summary",
					"COMMAND_ID":     "99",
					"COMMAND_PARAMS": "today",
				},
			},
			"PARAMS": map[string]any{
				"MESSAGE_ID":   "1200",
				"DIALOG_ID":    "42",
				"FROM_USER_ID": "42",
			},
		},
	})
	require.NoError(t, err)

	h.processCommand(context.Background(), testAccount(), ev)

	api.mu.Lock()
	answered := append([]answeredCommand(nil), api.answered...)
	api.mu.Unlock()
	require.Len(t, answered, 1)
	assert.Equal(t, "summary", answered[0].Command)
	assert.Equal(t, int64(99), answered[0].CommandID)
	assert.Equal(t, int64(1200), answered[0].MessageID)
	assert.Equal(t, "done", answered[0].Text)
	assert.Empty(t, api.sentMessages(), "scoped answer must not use plain send")

	contexts := disp.seen()
	require.Len(t, contexts, 1)
	assert.Contains(t, contexts[0].Body, "/summary today")
}

func TestCommandWithoutMessageIDFallsBackToSend(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{replies: []dispatch.Payload{{Text: "done"}}}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMCOMMANDADD",
		"data": map[string]any{
			"COMMAND": map[string]any{
				"99": map[string]any{"COMMAND": "summary", "COMMAND_ID": "99"},
			},
			"PARAMS": map[string]any{
				"DIALOG_ID":    "42",
				"FROM_USER_ID": "42",
			},
		},
	})
	require.NoError(t, err)

	h.processCommand(context.Background(), testAccount(), ev)
	sent := api.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0].DialogID)
}

func TestMessageMarkupConvertedToMarkdown(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	disp := &fakeDispatcher{}
	h := newTestHandler(api, disp, time.Second)

	ev, err := Normalize(map[string]any{
		"event": "ONIMMESSAGEADD",
		"data": map[string]any{
			"PARAMS": map[string]any{
				"MESSAGE":      "[B]release[/B] notes at [URL=https://example.com/r]changelog[/URL]",
				"FROM_USER_ID": "42",
			},
		},
	})
	require.NoError(t, err)

	h.processMessage(context.Background(), testAccount(), ev)
	seen := disp.seen()
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0].Body, "**release**")
	assert.Contains(t, seen[0].Body, "[changelog](https://example.com/r)")
	assert.NotContains(t, seen[0].Body, "[B]")
}

func TestCacheClientsReusesClientPerAccount(t *testing.T) {
	t.Parallel()
	built := 0
	factory := CacheClients(func(acct account.Account) BitrixAPI {
		built++
		return &fakeAPI{}
	})

	first := factory(account.Account{ID: "acct-a"})
	second := factory(account.Account{ID: "acct-a"})
	assert.Same(t, first, second)
	assert.Equal(t, 1, built)

	factory(account.Account{ID: "acct-b"})
	assert.Equal(t, 2, built)
}

func TestHandleIgnoresUnknownEvents(t *testing.T) {
	t.Parallel()
	h := newTestHandler(&fakeAPI{}, &fakeDispatcher{}, time.Second)
	form := url.Values{}
	form.Set("event", "ONAPPUNINSTALL")
	form.Set("data[LANGUAGE]", "en")
	rec := postWebhook(t, h, "/webhook/acct?secret=s3cret", form)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
}
