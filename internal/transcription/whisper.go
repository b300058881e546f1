package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"scribe/internal/audio"
	"scribe/internal/utils"
)

// WhisperCLI runs a local whisper.cpp executable per chunk.
type WhisperCLI struct {
	exe      string
	model    string
	language string
}

func NewWhisperCLI(exe, model, language string) (*WhisperCLI, error) {
	if exe == "" {
		return nil, fmt.Errorf("whisper executable path is required")
	}
	if model == "" {
		return nil, fmt.Errorf("whisper model path is required")
	}
	return &WhisperCLI{exe: exe, model: model, language: language}, nil
}

// Args returns the command line used for path. The transcript is written to
// the returned output base plus ".txt".
func (w *WhisperCLI) Args(path string) (args []string, outBase string) {
	outBase = utils.TrimExt(path)
	args = []string{"-m", w.model, "-f", path, "-of", outBase, "-otxt"}
	if w.language != "" {
		args = append(args, "-l", w.language)
	}
	return args, outBase
}

func (w *WhisperCLI) Transcribe(ctx context.Context, path string, _ audio.Format) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", wrap("whisper-cli", err)
	}

	args, outBase := w.Args(path)
	txtPath := outBase + ".txt"
	defer utils.RemoveQuietly(txtPath)

	cmd := utils.CommandContext(ctx, w.exe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("running whisper", "exe", w.exe, "file", path)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", wrap("whisper-cli", ctxErr)
		}
		return "", wrap("whisper-cli", fmt.Errorf("%w: %s", err, lastLine(stderr.String())))
	}

	data, err := os.ReadFile(txtPath)
	if errors.Is(err, os.ErrNotExist) {
		return "", wrap("whisper-cli", fmt.Errorf("no output file %s", txtPath))
	}
	if err != nil {
		return "", wrap("whisper-cli", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
