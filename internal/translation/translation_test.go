package translation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"scribe/internal/transcript"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deeplServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "DeepL-Auth-Key key-1", r.Header.Get("Authorization"))

		var req deeplRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "DE", req.TargetLang)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"message":"quota exceeded"}`))
			return
		}
		resp := map[string]any{
			"translations": []map[string]string{
				{"detected_source_language": "EN", "text": "DE:" + strings.Join(req.Text, "|")},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDeepLTranslate(t *testing.T) {
	srv, calls := deeplServer(t, http.StatusOK)
	d, err := NewDeepL("key-1", "de", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "DE", d.Target())

	got, err := d.Translate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "DE:hello", got)

	got, err = d.Translate(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, "   ", got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeepLError(t *testing.T) {
	srv, _ := deeplServer(t, http.StatusForbidden)
	d, err := NewDeepL("key-1", "DE", srv.URL)
	require.NoError(t, err)

	_, err = d.Translate(context.Background(), "hello")
	require.ErrorIs(t, err, ErrTranslation)
	assert.Contains(t, err.Error(), "403")
}

func TestNewDeepLValidation(t *testing.T) {
	_, err := NewDeepL("", "DE", "")
	assert.Error(t, err)
	_, err = NewDeepL("k", "", "")
	assert.Error(t, err)
}

type fakeTranslator struct {
	fail string
}

func (f fakeTranslator) Translate(_ context.Context, text string) (string, error) {
	if text == f.fail {
		return "", errors.New("nope")
	}
	return strings.ToUpper(text), nil
}

func TestTranslateParagraphs(t *testing.T) {
	var progress []int
	out, err := TranslateParagraphs(context.Background(), fakeTranslator{}, "a\n\nb\n\n\n\nc", func(done, total int) {
		assert.Equal(t, 3, total)
		progress = append(progress, done)
	})
	require.NoError(t, err)
	assert.Equal(t, "A\n\nB\n\nC", out)
	assert.Equal(t, []int{1, 2, 3}, progress)

	_, err = TranslateParagraphs(context.Background(), fakeTranslator{fail: "b"}, "a\n\nb", nil)
	assert.Error(t, err)
}

func TestOverlayFillsTranslations(t *testing.T) {
	store := transcript.NewStore()
	o := NewOverlay(fakeTranslator{fail: "broken"}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	// Give Run time to subscribe.
	time.Sleep(20 * time.Millisecond)

	store.Add(transcript.Segment{ChunkNumber: 0, Text: "hello", EndTime: 30 * time.Second})
	store.Add(transcript.Segment{ChunkNumber: 1, Text: "broken", StartTime: 30 * time.Second, EndTime: time.Minute})
	store.Add(transcript.Segment{ChunkNumber: 2, Failed: true, StartTime: time.Minute, EndTime: 90 * time.Second})

	require.Eventually(t, func() bool {
		_, ok := store.Translation(0)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	got, _ := store.Translation(0)
	assert.Equal(t, "HELLO", got)
	_, ok := store.Translation(1)
	assert.False(t, ok)
	_, ok = store.Translation(2)
	assert.False(t, ok)
}
