package bitrix

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

type recordedCall struct {
	path  string
	query url.Values
}

func newTestClient(t *testing.T, cfg Config, respond func(path string) string) (*Client, *[]recordedCall) {
	t.Helper()
	calls := &[]recordedCall{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls = append(*calls, recordedCall{path: r.URL.Path, query: r.URL.Query()})
		_, _ = w.Write([]byte(respond(r.URL.Path)))
	}))
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	if cfg.MinRequestGap == 0 {
		cfg.MinRequestGap = time.Millisecond
	}
	return NewClient(cfg, nil), calls
}

func TestCall_APIErrorEnvelope(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, Config{}, func(string) string {
		return `{"error":"INVALID_TOKEN","error_description":"auth failed"}`
	})

	_, err := client.Call(context.Background(), "server.time", nil)
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("expected ErrAPI, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "INVALID_TOKEN" {
		t.Fatalf("unexpected code: %s", apiErr.Code)
	}
}

func TestSendMessage_BotVariantConvertsMarkdown(t *testing.T) {
	t.Parallel()

	client, calls := newTestClient(t, Config{BotID: "42"}, func(string) string {
		return `{"result":1}`
	})

	if err := client.SendMessage(context.Background(), "77", "**hi** there"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected one call, got %d", len(*calls))
	}
	call := (*calls)[0]
	if call.path != "/imbot.message.add.json" {
		t.Fatalf("unexpected method path: %s", call.path)
	}
	if call.query.Get("BOT_ID") != "42" {
		t.Fatalf("expected BOT_ID param, got %q", call.query.Get("BOT_ID"))
	}
	if call.query.Get("DIALOG_ID") != "77" {
		t.Fatalf("unexpected dialog id: %q", call.query.Get("DIALOG_ID"))
	}
	if call.query.Get("MESSAGE") != "[B]hi[/B] there" {
		t.Fatalf("expected bracket markup, got %q", call.query.Get("MESSAGE"))
	}
}

func TestSendMessage_UserVariantWithoutBotID(t *testing.T) {
	t.Parallel()

	client, calls := newTestClient(t, Config{}, func(string) string {
		return `{"result":1}`
	})

	if err := client.SendMessage(context.Background(), "5", "plain"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if (*calls)[0].path != "/im.message.add.json" {
		t.Fatalf("unexpected method path: %s", (*calls)[0].path)
	}
}

func TestSendMessage_ChunksLongText(t *testing.T) {
	t.Parallel()

	client, calls := newTestClient(t, Config{BotID: "1", MessageChunkLimit: 10}, func(string) string {
		return `{"result":1}`
	})

	if err := client.SendMessage(context.Background(), "5", "aaaa\nbbbb\ncccc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("expected two chunked sends, got %d", len(*calls))
	}
}

func TestCall_EnforcesMinimumGap(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, Config{MinRequestGap: 60 * time.Millisecond}, func(string) string {
		return `{"result":1}`
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), "server.time", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Fatalf("expected at least 120ms for three spaced calls, took %v", elapsed)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ok, _ := newTestClient(t, Config{}, func(string) string {
		return `{"result":"2026-08-31T00:00:00+00:00"}`
	})
	if !ok.Health(context.Background()) {
		t.Fatal("expected healthy")
	}

	bad, _ := newTestClient(t, Config{}, func(string) string {
		return `{"error":"ERROR_CORE","error_description":"down"}`
	})
	if bad.Health(context.Background()) {
		t.Fatal("expected unhealthy")
	}
}

func TestGetFileInfo_TolerantDecoding(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, Config{}, func(string) string {
		return `{"result":{"ID":"123","NAME":"voice.ogg","SIZE":"2048","DOWNLOAD_URL":"https://portal/download/123"}}`
	})

	info, err := client.GetFileInfo(context.Background(), 123)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID != 123 || info.Name != "voice.ogg" || info.Size != 2048 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.DownloadURL != "https://portal/download/123" {
		t.Fatalf("unexpected download url: %s", info.DownloadURL)
	}
}

func TestSetCommandsHidden_FetchesLiveListFirst(t *testing.T) {
	t.Parallel()

	client, calls := newTestClient(t, Config{BotID: "1"}, func(path string) string {
		if strings.Contains(path, "command.list") {
			return `{"result":[{"ID":1,"COMMAND":"help","HIDDEN":"N"},{"ID":2,"COMMAND":"mute","HIDDEN":"Y"}]}`
		}
		return `{"result":true}`
	})

	if err := client.SetCommandsHidden(context.Background(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// list + one update: the already-hidden command is untouched
	if len(*calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(*calls))
	}
	if !strings.Contains((*calls)[0].path, "command.list") {
		t.Fatalf("expected list first, got %s", (*calls)[0].path)
	}
	update := (*calls)[1]
	if !strings.Contains(update.path, "command.update") {
		t.Fatalf("expected update second, got %s", update.path)
	}
	if update.query.Get("COMMAND_ID") != "1" {
		t.Fatalf("expected to update command 1, got %q", update.query.Get("COMMAND_ID"))
	}
	if update.query.Get("FIELDS[HIDDEN]") != "Y" {
		t.Fatalf("expected hidden flag, got %q", update.query.Get("FIELDS[HIDDEN]"))
	}
}

func TestAnswerCommand_ScopedToInvocation(t *testing.T) {
	t.Parallel()

	client, calls := newTestClient(t, Config{BotID: "1"}, func(string) string {
		return `{"result":true}`
	})

	if err := client.AnswerCommand(context.Background(), "help", 9, 555, "*ok*"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := (*calls)[0]
	if !strings.Contains(call.path, "command.answer") {
		t.Fatalf("unexpected path: %s", call.path)
	}
	if call.query.Get("COMMAND_ID") != "9" || call.query.Get("MESSAGE_ID") != "555" {
		t.Fatalf("unexpected scope params: %v", call.query)
	}
	if call.query.Get("MESSAGE") != "[I]ok[/I]" {
		t.Fatalf("expected converted markup, got %q", call.query.Get("MESSAGE"))
	}
}

func TestChunkText(t *testing.T) {
	t.Parallel()

	if got := ChunkText("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected chunks: %v", got)
	}
	got := ChunkText("aaaa\nbbbb\ncccc", 9)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("unexpected chunks: %v", got)
	}
	if got := ChunkText("", 10); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
	long := strings.Repeat("x", 25)
	if got := ChunkText(long, 10); len(got) != 3 {
		t.Fatalf("expected mid-line split, got %v", got)
	}
}

func TestChunkTextKeepsTagsBalanced(t *testing.T) {
	t.Parallel()

	bold := "[B]" + strings.Repeat("a ", 40) + "[/B]"
	chunks := ChunkText(bold, 30)
	if len(chunks) < 2 {
		t.Fatalf("expected a split, got %v", chunks)
	}
	for i, chunk := range chunks {
		if strings.Count(chunk, "[B]") != strings.Count(chunk, "[/B]") {
			t.Fatalf("chunk %d has unbalanced tags: %q", i, chunk)
		}
	}

	link := "[URL=https://example.com/r]" + strings.Repeat("b", 60) + "[/URL]"
	chunks = ChunkText(link, 40)
	if len(chunks) < 2 {
		t.Fatalf("expected a split, got %v", chunks)
	}
	for i, chunk := range chunks {
		if i > 0 && !strings.HasPrefix(chunk, "[URL=https://example.com/r]") {
			t.Fatalf("chunk %d lost the link target: %q", i, chunk)
		}
		if !strings.HasSuffix(chunk, "[/URL]") {
			t.Fatalf("chunk %d leaves the link open: %q", i, chunk)
		}
	}
}
