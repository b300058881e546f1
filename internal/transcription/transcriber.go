// Package transcription turns finished chunk files into text.
package transcription

import (
	"context"
	"errors"
	"fmt"

	"scribe/internal/audio"
)

// ErrTranscription wraps every backend failure.
var ErrTranscription = errors.New("transcription failed")

// Backend names accepted by New.
const (
	BackendWhisperCLI = "whisper-cli"
	BackendOpenAI     = "openai"
	BackendAzure      = "azure"
)

// Transcriber converts one audio file to plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, format audio.Format) (string, error)
}

// Func adapts a function to Transcriber.
type Func func(ctx context.Context, path string, format audio.Format) (string, error)

func (f Func) Transcribe(ctx context.Context, path string, format audio.Format) (string, error) {
	return f(ctx, path, format)
}

// Config selects and configures a backend.
type Config struct {
	Backend  string
	Language string

	WhisperExe   string
	WhisperModel string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string

	AzureKey    string
	AzureRegion string
	// AzureEndpoint overrides the region derived endpoint.
	AzureEndpoint string
}

// New builds the backend named by cfg.Backend.
func New(cfg Config) (Transcriber, error) {
	switch cfg.Backend {
	case "", BackendWhisperCLI:
		return NewWhisperCLI(cfg.WhisperExe, cfg.WhisperModel, cfg.Language)
	case BackendOpenAI:
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.Language)
	case BackendAzure:
		return NewAzure(cfg.AzureKey, cfg.AzureRegion, cfg.AzureEndpoint, cfg.Language)
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", cfg.Backend)
	}
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTranscription, op, err)
}
