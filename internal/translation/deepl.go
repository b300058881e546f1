// Package translation fills the transcript's translation overlay.
package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultDeepLURL is the free-tier endpoint.
const DefaultDeepLURL = "https://api-free.deepl.com/v2/translate"

var ErrTranslation = errors.New("translation failed")

// Translator translates one piece of text.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// DeepL calls the DeepL v2 translate API.
type DeepL struct {
	client *resty.Client
	url    string
	target string
}

type deeplRequest struct {
	Text       []string `json:"text"`
	TargetLang string   `json:"target_lang"`
}

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

func NewDeepL(apiKey, targetLang, apiURL string) (*DeepL, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepl api key is required")
	}
	if targetLang == "" {
		return nil, fmt.Errorf("target language is required")
	}
	if apiURL == "" {
		apiURL = DefaultDeepLURL
	}

	client := resty.New().
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() == 429
		}).
		SetHeader("Authorization", "DeepL-Auth-Key "+apiKey)

	return &DeepL{client: client, url: apiURL, target: strings.ToUpper(targetLang)}, nil
}

func (d *DeepL) Target() string { return d.target }

// Translate returns text unchanged when it is blank.
func (d *DeepL) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	var out deeplResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(deeplRequest{Text: []string{text}, TargetLang: d.target}).
		SetResult(&out).
		Post(d.url)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranslation, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: deepl status %d: %s", ErrTranslation, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if len(out.Translations) == 0 {
		return text, nil
	}
	return out.Translations[0].Text, nil
}

// TranslateParagraphs translates a rendered transcript paragraph by
// paragraph, reporting progress after each one.
func TranslateParagraphs(ctx context.Context, t Translator, text string, progress func(done, total int)) (string, error) {
	var paragraphs []string
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	out := make([]string, 0, len(paragraphs))
	for i, p := range paragraphs {
		tr, err := t.Translate(ctx, p)
		if err != nil {
			return "", fmt.Errorf("paragraph %d: %w", i+1, err)
		}
		out = append(out, tr)
		if progress != nil {
			progress(i+1, len(paragraphs))
		}
	}
	return strings.Join(out, "\n\n"), nil
}
