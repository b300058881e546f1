package transcription

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scribe/internal/audio"
	"scribe/internal/output"
	"scribe/internal/reconcile"

	"github.com/go-resty/resty/v2"
)

const azureEndpointFormat = "https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"

// azureFormat is what the short-audio endpoint accepts once sent as 16-bit PCM.
var azureFormat = audio.Format{SampleRate: 16000, Channels: 1, Kind: audio.KindFloat32}

// Azure uses the Speech-to-Text REST API for short audio, which accepts
// requests of up to 60 seconds of audio.
type Azure struct {
	client   *resty.Client
	endpoint string
	language string
}

type azureResult struct {
	RecognitionStatus string `json:"RecognitionStatus"`
	DisplayText       string `json:"DisplayText"`
	Offset            int64  `json:"Offset"`
	Duration          int64  `json:"Duration"`
}

func NewAzure(key, region, endpoint, language string) (*Azure, error) {
	if key == "" {
		return nil, fmt.Errorf("azure speech key is required")
	}
	if endpoint == "" {
		if region == "" {
			return nil, fmt.Errorf("azure region or endpoint is required")
		}
		endpoint = fmt.Sprintf(azureEndpointFormat, region)
	}
	if language == "" {
		language = "en-US"
	}

	client := resty.New().
		SetTimeout(2*time.Minute).
		SetHeader("Ocp-Apim-Subscription-Key", key).
		SetHeader("Accept", "application/json")

	return &Azure{client: client, endpoint: endpoint, language: language}, nil
}

// Transcribe converts the chunk to 16 kHz 16-bit mono PCM before upload.
func (a *Azure) Transcribe(ctx context.Context, path string, _ audio.Format) (string, error) {
	data, err := pcm16Mono(path)
	if err != nil {
		return "", wrap("azure", err)
	}

	var result azureResult
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("language", a.language).
		SetQueryParam("format", "simple").
		SetHeader("Content-Type", fmt.Sprintf("audio/wav; codecs=audio/pcm; samplerate=%d", azureFormat.SampleRate)).
		SetBody(data).
		SetResult(&result).
		Post(a.endpoint)
	if err != nil {
		return "", wrap("azure", err)
	}
	if resp.IsError() {
		return "", wrap("azure", fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String())))
	}

	switch result.RecognitionStatus {
	case "Success":
		return strings.TrimSpace(result.DisplayText), nil
	case "NoMatch", "InitialSilenceTimeout":
		// No speech in the chunk.
		return "", nil
	default:
		return "", wrap("azure", fmt.Errorf("recognition status %q", result.RecognitionStatus))
	}
}

// pcm16Mono returns the bytes of a 16-bit PCM copy of the float chunk at
// path, resampled to azureFormat.
func pcm16Mono(path string) ([]byte, error) {
	samples, format, err := output.ReadFloat32(path)
	if err != nil {
		return nil, err
	}
	conv, err := reconcile.New(format, azureFormat)
	if err != nil {
		return nil, err
	}
	mono, err := conv.Convert(samples)
	if err != nil {
		return nil, err
	}
	tail, err := conv.Flush()
	if err != nil {
		return nil, err
	}
	mono = append(mono, tail...)

	tmp, err := os.CreateTemp(filepath.Dir(path), "azure-*.wav")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := output.WritePCM16(tmpPath, mono, azureFormat.SampleRate); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpPath)
}
