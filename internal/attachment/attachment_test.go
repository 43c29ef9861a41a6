package attachment

import (
	"context"
	"fmt"
	"testing"

	"github.com/bridgewayai/b24bridge/internal/bitrix"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		name string
		want Category
	}{
		{"audio/ogg", "voice_msg.oga", CategoryVoice},
		{"application/pdf", "invoice.pdf", CategoryDocument},
		{"", "photo.jpg", CategoryImage},
		{"image/png", "diagram", CategoryImage},
		{"video/mp4", "clip.mp4", CategoryVideo},
		{"", "holiday.mov", CategoryVideo},
		{"application/octet-stream", "recording-2026.bin", CategoryVoice},
		{"audio/mpeg", "song.mp3", CategoryVoice},
		{"text/plain", "notes.txt", CategoryDocument},
		{"", "report.docx", CategoryDocument},
		{"application/octet-stream", "archive.zip", CategoryFile},
		{"", "", CategoryFile},
	}
	for _, tt := range tests {
		if got := Classify(tt.mime, tt.name); got != tt.want {
			t.Fatalf("Classify(%q, %q) = %s, want %s", tt.mime, tt.name, got, tt.want)
		}
	}
}

func TestClassify_Deterministic(t *testing.T) {
	t.Parallel()

	for i := 0; i < 3; i++ {
		if got := Classify("audio/ogg", "voice_msg.oga"); got != CategoryVoice {
			t.Fatalf("classification changed between calls: %s", got)
		}
	}
}

type fakeFileAPI struct {
	info bitrix.FileInfo
	err  error
}

func (f *fakeFileAPI) GetFileInfo(ctx context.Context, fileID int64) (bitrix.FileInfo, error) {
	if f.err != nil {
		return bitrix.FileInfo{}, f.err
	}
	return f.info, nil
}

func TestResolve(t *testing.T) {
	t.Parallel()

	api := &fakeFileAPI{info: bitrix.FileInfo{
		ID:          321,
		Name:        "invoice.pdf",
		Size:        4096,
		DownloadURL: "https://portal/download/321",
	}}

	att := Resolve(context.Background(), api, 321, nil)
	if att == nil {
		t.Fatal("expected attachment")
	}
	if att.Category != CategoryDocument {
		t.Fatalf("unexpected category: %s", att.Category)
	}
	if att.MimeType != "application/pdf" {
		t.Fatalf("unexpected mime: %s", att.MimeType)
	}
	if att.SizeBytes != 4096 || att.DownloadURL == "" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
}

func TestResolve_NilOnFailure(t *testing.T) {
	t.Parallel()

	api := &fakeFileAPI{err: fmt.Errorf("portal down")}
	if att := Resolve(context.Background(), api, 1, nil); att != nil {
		t.Fatalf("expected nil on api failure, got %+v", att)
	}
	if att := Resolve(context.Background(), nil, 1, nil); att != nil {
		t.Fatalf("expected nil without api, got %+v", att)
	}
}
