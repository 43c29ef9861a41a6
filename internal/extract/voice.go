package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bridgewayai/b24bridge/internal/asr"
	"github.com/bridgewayai/b24bridge/internal/attachment"
)

// Transcriber is satisfied by asr.Chain.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath, accountMode string) (string, []asr.Attempt, error)
}

// compressed formats get normalized to wav before ASR when ffmpeg is
// available on PATH.
var compressedAudioExts = map[string]bool{
	".ogg": true, ".oga": true, ".opus": true,
	".mp3": true, ".m4a": true, ".amr": true, ".aac": true,
}

// Voice writes the audio to a temp file, optionally converts it, and runs
// the ASR chain. Every temp artifact is removed before Describe returns,
// on every path.
type Voice struct {
	transcriber Transcriber
	tempDir     string
	logger      *slog.Logger
}

func NewVoice(transcriber Transcriber, tempDir string, log *slog.Logger) *Voice {
	if log == nil {
		log = slog.Default()
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Voice{
		transcriber: transcriber,
		tempDir:     tempDir,
		logger:      log.With(slog.String("component", "extract.voice")),
	}
}

func (e *Voice) Describe(ctx context.Context, att *attachment.Attachment, data []byte, asrMode string) string {
	if e.transcriber == nil {
		return placeholder("Voice message", att)
	}
	ext := strings.ToLower(filepath.Ext(att.Name))
	if ext == "" {
		ext = ".ogg"
	}
	srcPath := filepath.Join(e.tempDir, fmt.Sprintf("voice_%d_%s%s", att.ID, uuid.NewString()[:8], ext))
	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		e.logger.Warn("write voice temp file", slog.Any("error", err))
		return placeholder("Voice message", att)
	}
	defer e.remove(srcPath)

	asrPath := srcPath
	if compressedAudioExts[ext] {
		if wavPath, ok := e.convertToWav(ctx, srcPath); ok {
			defer e.remove(wavPath)
			asrPath = wavPath
		}
	}

	text, trail, err := e.transcriber.Transcribe(ctx, asrPath, asrMode)
	if err != nil {
		e.logger.Warn("transcription failed",
			slog.String("name", att.Name),
			slog.Int("attempts", len(trail)),
			slog.Any("error", err),
		)
		return placeholder("Voice message", att)
	}
	att.Transcription = text
	return fmt.Sprintf("[Voice message: %s, %d bytes]\nTranscription: %s", att.Name, att.SizeBytes, text)
}

// convertToWav normalizes compressed audio to 16 kHz mono wav. Returns
// false when ffmpeg is missing or conversion fails; ASR then runs on the
// original file.
func (e *Voice) convertToWav(ctx context.Context, srcPath string) (string, bool) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", false
	}
	wavPath := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".wav"
	cmd := exec.CommandContext(ctx, ffmpeg, "-y", "-i", srcPath, "-ar", "16000", "-ac", "1", wavPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		e.logger.Warn("ffmpeg conversion failed",
			slog.Any("error", err),
			slog.String("output", strings.TrimSpace(string(out))),
		)
		e.remove(wavPath)
		return "", false
	}
	return wavPath, true
}

func (e *Voice) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("remove temp file", slog.String("path", path), slog.Any("error", err))
	}
}
