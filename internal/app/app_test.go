package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/internal/audio"
	"scribe/internal/session"
	"scribe/internal/transcription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mono8k = audio.Format{SampleRate: 8000, Channels: 1, Kind: audio.KindFloat32}

type fakeSource struct {
	role   audio.Role
	format audio.Format

	mu   sync.Mutex
	cfg  audio.SourceConfig
	sink io.Writer
}

func (f *fakeSource) Role() audio.Role     { return f.role }
func (f *fakeSource) Format() audio.Format { return f.format }
func (f *fakeSource) Stop() error          { return nil }
func (f *fakeSource) Close()               {}

func (f *fakeSource) Start(sink io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeSource) push(n int) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()

	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	p := make([]byte, n*audio.BytesPerSample)
	audio.EncodeFloat32(p, samples)
	_, _ = sink.Write(p)
}

func (f *fakeSource) lose() {
	f.mu.Lock()
	onErr := f.cfg.OnError
	f.mu.Unlock()
	onErr(&audio.DeviceError{Role: f.role, Op: "stream", Kind: audio.ErrDeviceLost})
}

func (f *fakeSource) open(cfg audio.SourceConfig) (audio.Source, error) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	return f, nil
}

type upperTranslator struct{}

func (upperTranslator) Translate(_ context.Context, text string) (string, error) {
	return strings.ToUpper(text), nil
}

func testApp(t *testing.T, src *fakeSource, opts ...Option) *App {
	t.Helper()
	t.Setenv("APPDATA", t.TempDir())

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.MicEnabled = false
	cfg.ArchivePath = filepath.Join(dir, "archive.db")

	opts = append([]Option{
		WithOpener(src.open),
		WithTranscriber(transcription.Func(func(_ context.Context, path string, _ audio.Format) (string, error) {
			return "said " + filepath.Base(path), nil
		})),
		WithSessionDeps(session.Deps{
			PollInterval:       10 * time.Millisecond,
			GracePeriod:        session.MinGracePeriod,
			MinFinalChunkBytes: -1,
		}),
	}, opts...)

	a := New(cfg, opts...)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRecordAndStop(t *testing.T) {
	src := &fakeSource{role: audio.RoleSystem, format: mono8k}
	a := testApp(t, src)

	events, unsubscribe := a.Subscribe(64)
	defer unsubscribe()

	path, err := a.StartRecording(context.Background())
	require.NoError(t, err)
	assert.True(t, a.IsRecording())
	assert.Equal(t, StatusRecording, a.GetState().Status)

	_, err = a.StartRecording(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	src.push(8000)
	res, err := a.StopRecording()
	require.NoError(t, err)

	assert.Equal(t, path, res.MasterPath)
	assert.FileExists(t, res.MasterPath)
	assert.Empty(t, res.TranslatedPath)
	require.NotEmpty(t, res.TranscriptPath)

	text, err := os.ReadFile(res.TranscriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "said ")

	st := a.GetState()
	assert.Equal(t, StatusIdle, st.Status)
	require.NotNil(t, st.Stats)
	assert.EqualValues(t, 1, st.Stats.Transcribed)

	full, err := a.Transcript(false)
	require.NoError(t, err)
	assert.Equal(t, string(text), full)

	_, err = a.StopRecording()
	assert.ErrorIs(t, err, ErrNotRecording)

	// archived
	recs, err := a.Archive().Segments(res.SessionID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	sessions, err := a.Archive().Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].StoppedAt)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Contains(t, types, EventStateChanged)
	assert.Contains(t, types, EventChunkReady)
	assert.Contains(t, types, EventSegmentAdded)
	assert.Contains(t, types, EventStatus)
}

func TestRecordWithTranslation(t *testing.T) {
	src := &fakeSource{role: audio.RoleSystem, format: mono8k}
	a := testApp(t, src, WithTranslator(upperTranslator{}))

	_, err := a.StartRecording(context.Background())
	require.NoError(t, err)
	src.push(4000)

	res, err := a.StopRecording()
	require.NoError(t, err)
	require.NotEmpty(t, res.TranslatedPath)

	text, err := os.ReadFile(res.TranslatedPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "SAID ")

	recs, err := a.Archive().Segments(res.SessionID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, strings.HasPrefix(recs[0].Translation, "SAID "))
}

func TestDeviceLossEndsRecording(t *testing.T) {
	src := &fakeSource{role: audio.RoleSystem, format: mono8k}
	a := testApp(t, src)

	_, err := a.StartRecording(context.Background())
	require.NoError(t, err)
	src.push(800)
	src.lose()

	require.Eventually(t, func() bool { return !a.IsRecording() }, 5*time.Second, 10*time.Millisecond)

	st := a.GetState()
	assert.Equal(t, StatusError, st.Status)
	assert.Contains(t, st.ErrorMessage, "device")

	// the next recording starts cleanly
	_, err = a.StartRecording(context.Background())
	require.NoError(t, err)
	_, err = a.StopRecording()
	assert.NoError(t, err)
}

func TestTranscriptBeforeRecording(t *testing.T) {
	a := testApp(t, &fakeSource{role: audio.RoleSystem, format: mono8k})

	_, err := a.Transcript(false)
	assert.ErrorIs(t, err, ErrNoTranscript)
	assert.Nil(t, a.Store())
}

func TestWriteTranscriptsPaths(t *testing.T) {
	src := &fakeSource{role: audio.RoleSystem, format: mono8k}
	a := testApp(t, src)

	_, err := a.StartRecording(context.Background())
	require.NoError(t, err)
	src.push(800)
	res, err := a.StopRecording()
	require.NoError(t, err)

	base := strings.TrimSuffix(res.MasterPath, ".wav")
	full, translated, err := WriteTranscripts(res.MasterPath, a.Store(), true)
	require.NoError(t, err)
	assert.Equal(t, base+"_transcript.txt", full)
	assert.Equal(t, base+"_transcript_translated.txt", translated)

	text, err := os.ReadFile(translated)
	require.NoError(t, err)
	assert.Contains(t, string(text), "[Translation pending...]")
}

func TestNextOutputPath(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	first := nextOutputPath(dir, now)
	assert.Equal(t, filepath.Join(dir, "recording_20260304_050607.wav"), first)
	require.NoError(t, os.WriteFile(first, nil, 0o644))

	assert.Equal(t, filepath.Join(dir, "recording_20260304_050607_1.wav"), nextOutputPath(dir, now))
}

func TestTranscribeFile(t *testing.T) {
	src := &fakeSource{role: audio.RoleSystem, format: mono8k}
	a := testApp(t, src, WithTranslator(upperTranslator{}))

	// record a short file to transcribe afterwards
	_, err := a.StartRecording(context.Background())
	require.NoError(t, err)
	src.push(8000)
	rec, err := a.StopRecording()
	require.NoError(t, err)

	var msgs []string
	res, err := a.TranscribeFile(context.Background(), rec.MasterPath, func(msg string) { msgs = append(msgs, msg) })
	require.NoError(t, err)

	assert.EqualValues(t, 1, res.Stats.Transcribed)
	assert.Contains(t, msgs, "Transcribing audio...")
	assert.Contains(t, msgs, "Transcription complete")

	text, err := os.ReadFile(res.TranslatedPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "SAID RECORDING_")

	recs, err := a.Archive().Segments(res.SessionID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = a.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), nil)
	assert.Error(t, err)
}

func TestLastResult(t *testing.T) {
	src := &fakeSource{role: audio.RoleSystem, format: mono8k}
	a := testApp(t, src)

	res, err := a.LastResult()
	assert.Nil(t, res)
	assert.NoError(t, err)

	_, err = a.StartRecording(context.Background())
	require.NoError(t, err)
	src.push(800)
	src.lose()
	require.Eventually(t, func() bool { return !a.IsRecording() }, 5*time.Second, 10*time.Millisecond)

	res, err = a.LastResult()
	require.NotNil(t, res)
	assert.ErrorIs(t, err, audio.ErrDeviceLost)
	assert.FileExists(t, res.MasterPath)
}
