package transcription

import (
	"context"
	"fmt"
	"os"
	"strings"

	"scribe/internal/audio"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI transcribes through the OpenAI audio transcription API.
type OpenAI struct {
	client   openai.Client
	model    string
	language string
}

func NewOpenAI(apiKey, model, baseURL, language string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if model == "" {
		model = openai.AudioModelWhisper1
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAI{
		client:   openai.NewClient(opts...),
		model:    model,
		language: language,
	}, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, path string, _ audio.Format) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", wrap("openai", err)
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:  f,
		Model: o.model,
	}
	if o.language != "" {
		params.Language = openai.String(o.language)
	}

	res, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", wrap("openai", err)
	}
	return strings.TrimSpace(res.Text), nil
}
