package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scribe/internal/audio"
	"scribe/internal/output"
	"scribe/internal/segmenter"
	"scribe/internal/transcript"
	"scribe/internal/transcription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	stereo8k = audio.Format{SampleRate: 8000, Channels: 2, Kind: audio.KindFloat32}
	mono8k   = audio.Format{SampleRate: 8000, Channels: 1, Kind: audio.KindFloat32}
	mono16k  = audio.Format{SampleRate: 16000, Channels: 1, Kind: audio.KindFloat32}
)

type fakeSource struct {
	role     audio.Role
	format   audio.Format
	startErr error

	mu      sync.Mutex
	cfg     audio.SourceConfig
	sink    io.Writer
	started bool
	closed  bool
}

func (f *fakeSource) Role() audio.Role     { return f.role }
func (f *fakeSource) Format() audio.Format { return f.format }

func (f *fakeSource) Start(sink io.Writer) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	f.started = true
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

func (f *fakeSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.closed = true
}

// Push delivers samples the way a device callback would.
func (f *fakeSource) Push(samples []float32) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()

	p := make([]byte, len(samples)*audio.BytesPerSample)
	audio.EncodeFloat32(p, samples)
	_, _ = sink.Write(p)
}

func (f *fakeSource) lose() {
	f.mu.Lock()
	onErr := f.cfg.OnError
	f.mu.Unlock()
	onErr(&audio.DeviceError{Role: f.role, Op: "stream", Kind: audio.ErrDeviceLost})
}

type rig struct {
	system *fakeSource
	mic    *fakeSource
	opens  atomic.Int32
}

func newRig(sys, mic audio.Format) *rig {
	return &rig{
		system: &fakeSource{role: audio.RoleSystem, format: sys},
		mic:    &fakeSource{role: audio.RoleMicrophone, format: mic},
	}
}

func (r *rig) open(cfg audio.SourceConfig) (audio.Source, error) {
	r.opens.Add(1)
	src := r.system
	if cfg.Role == audio.RoleMicrophone {
		src = r.mic
	}
	src.mu.Lock()
	src.cfg = cfg
	src.mu.Unlock()
	return src, nil
}

type fakeClock struct{ offset atomic.Int64 }

var clockBase = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func (c *fakeClock) Now() time.Time      { return clockBase.Add(time.Duration(c.offset.Load())) }
func (c *fakeClock) Set(d time.Duration) { c.offset.Store(int64(d)) }

func echoTranscriber() transcription.Transcriber {
	return transcription.Func(func(_ context.Context, path string, _ audio.Format) (string, error) {
		return filepath.Base(path), nil
	})
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%2000)/2000 - 0.5
	}
	return out
}

func testDeps(r *rig) Deps {
	return Deps{
		Open:         r.open,
		Transcriber:  echoTranscriber(),
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  MinGracePeriod,
	}
}

func TestStopImmediately(t *testing.T) {
	r := newRig(stereo8k, mono8k)
	path := filepath.Join(t.TempDir(), "quick.wav")

	var chunks atomic.Int32
	s, err := Start(context.Background(), Options{OutputPath: path, MicEnabled: true}, testDeps(r), Events{
		OnChunkReady: func(segmenter.ChunkToProcess) { chunks.Add(1) },
	})
	require.NoError(t, err)

	master, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, path, master)
	assert.Zero(t, chunks.Load())
	assert.Zero(t, s.Store().Len())

	info, err := output.Info(master)
	require.NoError(t, err)
	assert.Equal(t, 8000, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.Zero(t, info.Frames)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the master file should remain")

	assert.True(t, r.system.closed)
	assert.True(t, r.mic.closed)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	again, err := s.Stop()
	assert.NoError(t, err)
	assert.Equal(t, master, again)
}

func TestMicDisabledIsBitIdentical(t *testing.T) {
	r := newRig(stereo8k, mono8k)
	path := filepath.Join(t.TempDir(), "sys.wav")

	s, err := Start(context.Background(), Options{OutputPath: path}, testDeps(r), Events{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.opens.Load(), "microphone must not be opened")

	want := ramp(8000 * 2 * 3)
	for i := 0; i < len(want); i += 1600 {
		r.system.Push(want[i : i+1600])
	}

	master, err := s.Stop()
	require.NoError(t, err)

	got, f, err := output.ReadFloat32(master)
	require.NoError(t, err)
	assert.Equal(t, stereo8k, f)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(8000*3), s.Stats().FramesMixed)
}

func TestStalledMicrophoneKeepsSystemAudio(t *testing.T) {
	r := newRig(stereo8k, mono16k)
	path := filepath.Join(t.TempDir(), "stall.wav")

	s, err := Start(context.Background(), Options{OutputPath: path, MicEnabled: true}, testDeps(r), Events{})
	require.NoError(t, err)

	want := ramp(8000 * 2 * 2)
	r.system.Push(want)

	master, err := s.Stop()
	require.NoError(t, err)

	got, _, err := output.ReadFloat32(master)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	st := s.Stats()
	assert.Zero(t, st.MicBytes)
	assert.Equal(t, int64(len(want)*audio.BytesPerSample), st.SystemBytes)
}

func TestChunkingScenario(t *testing.T) {
	r := newRig(mono8k, mono8k)
	dir := t.TempDir()
	path := filepath.Join(dir, "meeting.wav")
	clock := &fakeClock{}

	var mu sync.Mutex
	var ready []segmenter.ChunkToProcess
	var added []transcript.Segment

	deps := testDeps(r)
	deps.Clock = clock.Now
	s, err := Start(context.Background(), Options{OutputPath: path, ChunkIntervalSeconds: 30}, deps, Events{
		OnChunkReady: func(c segmenter.ChunkToProcess) {
			mu.Lock()
			defer mu.Unlock()
			ready = append(ready, c)
		},
		OnSegmentAdded: func(seg transcript.Segment) {
			mu.Lock()
			defer mu.Unlock()
			added = append(added, seg)
		},
	})
	require.NoError(t, err)

	second := make([]float32, 8000)
	for i := range second {
		second[i] = 0.1
	}
	for i := 0; i < 65; i++ {
		clock.Set(time.Duration(i) * time.Second)
		r.system.Push(second)
		want := int64((i + 1) * 8000)
		require.Eventually(t, func() bool { return s.Stats().FramesMixed == want }, 2*time.Second, time.Millisecond)
	}
	clock.Set(65 * time.Second)

	master, err := s.Stop()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ready, 3)
	for n, c := range ready {
		assert.Equal(t, n, c.ChunkNumber)
		if n > 0 {
			assert.Equal(t, ready[n-1].EndTime, c.StartTime)
		}
		assert.NoFileExists(t, c.FilePath)
	}
	assert.Equal(t, time.Duration(0), ready[0].StartTime)
	assert.Equal(t, 30*time.Second, ready[1].StartTime)
	assert.Equal(t, 60*time.Second, ready[2].StartTime)
	assert.Equal(t, 65*time.Second, ready[2].EndTime)

	assert.Len(t, added, 3)
	segs := s.Store().Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, "meeting_rt_chunk_0.wav", segs[0].Text)
	assert.Equal(t, "meeting_rt_chunk_2.wav", segs[2].Text)

	info, err := output.Info(master)
	require.NoError(t, err)
	assert.Equal(t, 65*time.Second, info.Duration)

	st := s.Stats()
	assert.Equal(t, int64(3), st.ChunksProduced)
	assert.Zero(t, st.ChunksDiscarded)
	assert.Equal(t, int64(3), st.Transcribed)
}

func TestShortTailIsDiscarded(t *testing.T) {
	r := newRig(mono8k, mono8k)
	path := filepath.Join(t.TempDir(), "short.wav")
	clock := &fakeClock{}

	deps := testDeps(r)
	deps.Clock = clock.Now
	s, err := Start(context.Background(), Options{OutputPath: path, ChunkIntervalSeconds: 5}, deps, Events{})
	require.NoError(t, err)

	// 1 s of 8 kHz mono is 32000 bytes, below the 100 KB minimum.
	r.system.Push(make([]float32, 8000))
	require.Eventually(t, func() bool { return s.Stats().FramesMixed == 8000 }, 2*time.Second, time.Millisecond)
	clock.Set(time.Second)

	_, err = s.Stop()
	require.NoError(t, err)

	st := s.Stats()
	assert.Zero(t, st.ChunksProduced)
	assert.Equal(t, int64(1), st.ChunksDiscarded)
	assert.NoFileExists(t, segmenter.ChunkPath(filepath.Dir(path), "short", 0))
}

func TestDeviceLossStopsSession(t *testing.T) {
	r := newRig(stereo8k, mono8k)
	path := filepath.Join(t.TempDir(), "lost.wav")

	var reported atomic.Value
	s, err := Start(context.Background(), Options{OutputPath: path, MicEnabled: true}, testDeps(r), Events{
		OnError: func(err error) { reported.Store(err) },
	})
	require.NoError(t, err)

	r.system.Push(ramp(1600))
	r.mic.lose()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after device loss")
	}

	assert.ErrorIs(t, s.Err(), audio.ErrDeviceLost)
	assert.NotNil(t, reported.Load())

	master, err := s.Stop()
	assert.ErrorIs(t, err, audio.ErrDeviceLost)
	assert.Equal(t, path, master)
	assert.FileExists(t, master)
}

func TestStartFailure(t *testing.T) {
	r := newRig(stereo8k, mono8k)
	r.mic.startErr = &audio.DeviceError{Role: audio.RoleMicrophone, Op: "start", Kind: audio.ErrDeviceUnavailable}
	path := filepath.Join(t.TempDir(), "fail.wav")

	_, err := Start(context.Background(), Options{OutputPath: path, MicEnabled: true}, testDeps(r), Events{})
	require.ErrorIs(t, err, audio.ErrDeviceUnavailable)
	assert.NoFileExists(t, path)
	assert.True(t, r.system.closed)

	// The path is free again.
	r.mic.startErr = nil
	s, err := Start(context.Background(), Options{OutputPath: path, MicEnabled: true}, testDeps(r), Events{})
	require.NoError(t, err)
	_, err = s.Stop()
	assert.NoError(t, err)
}

func TestOpenFailure(t *testing.T) {
	deps := Deps{
		Open: func(audio.SourceConfig) (audio.Source, error) {
			return nil, &audio.DeviceError{Role: audio.RoleSystem, Op: "init device", Kind: audio.ErrDeviceUnavailable}
		},
		Transcriber: echoTranscriber(),
	}
	_, err := Start(context.Background(), Options{OutputPath: filepath.Join(t.TempDir(), "x.wav")}, deps, Events{})
	assert.ErrorIs(t, err, audio.ErrDeviceUnavailable)
}

func TestUnsupportedMicrophoneFormat(t *testing.T) {
	r := newRig(stereo8k, audio.Format{SampleRate: 8000, Channels: 4, Kind: audio.KindFloat32})
	_, err := Start(context.Background(), Options{OutputPath: filepath.Join(t.TempDir(), "x.wav"), MicEnabled: true}, testDeps(r), Events{})
	assert.ErrorIs(t, err, audio.ErrFormatNegotiation)
}

func TestOutputPathInUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.wav")

	s, err := Start(context.Background(), Options{OutputPath: path}, testDeps(newRig(stereo8k, mono8k)), Events{})
	require.NoError(t, err)

	_, err = Start(context.Background(), Options{OutputPath: path}, testDeps(newRig(stereo8k, mono8k)), Events{})
	assert.ErrorIs(t, err, ErrPathInUse)

	_, err = s.Stop()
	require.NoError(t, err)
}

func TestResidualWork(t *testing.T) {
	r := newRig(mono8k, mono8k)
	path := filepath.Join(t.TempDir(), "hung.wav")

	deps := testDeps(r)
	deps.MinFinalChunkBytes = -1
	deps.DrainTimeout = 100 * time.Millisecond
	deps.Transcriber = transcription.Func(func(ctx context.Context, _ string, _ audio.Format) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	s, err := Start(context.Background(), Options{OutputPath: path}, deps, Events{})
	require.NoError(t, err)
	r.system.Push(make([]float32, 800))

	start := time.Now()
	master, err := s.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, ErrResidualWork)
	assert.Equal(t, path, master)

	segs := s.Store().Segments()
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Failed)
}

func TestStopOutlivesStuckTranscriber(t *testing.T) {
	r := newRig(mono8k, mono8k)
	path := filepath.Join(t.TempDir(), "stuck.wav")

	release := make(chan struct{})
	deps := testDeps(r)
	deps.MinFinalChunkBytes = -1
	deps.DrainTimeout = 50 * time.Millisecond
	deps.StopTimeout = 50 * time.Millisecond
	deps.Transcriber = transcription.Func(func(context.Context, string, audio.Format) (string, error) {
		<-release
		return "late", nil
	})

	s, err := Start(context.Background(), Options{OutputPath: path}, deps, Events{})
	require.NoError(t, err)
	r.system.Push(make([]float32, 800))

	start := time.Now()
	_, err = s.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, ErrResidualWork)

	// the archive follower unsubscribes while the worker is still running
	_, unsubscribe := s.Store().Subscribe(1)
	unsubscribe()
	close(release)

	assert.Eventually(t, func() bool { return s.Store().Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "late", s.Store().Segments()[0].Text)
}

func TestContextCancelStops(t *testing.T) {
	r := newRig(stereo8k, mono8k)
	ctx, cancel := context.WithCancel(context.Background())

	var statuses []string
	var mu sync.Mutex
	s, err := Start(ctx, Options{OutputPath: filepath.Join(t.TempDir(), "ctx.wav")}, testDeps(r), Events{
		OnStatus: func(msg string) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, msg)
		},
	})
	require.NoError(t, err)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on context cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Recording...", statuses[0])
	assert.Equal(t, "Recording stopped", statuses[len(statuses)-1])
	assert.False(t, errors.Is(s.Err(), ErrResidualWork))
}
