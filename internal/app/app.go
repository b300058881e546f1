package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scribe/internal/audio"
	"scribe/internal/dispatch"
	"scribe/internal/metrics"
	"scribe/internal/segmenter"
	"scribe/internal/session"
	"scribe/internal/transcript"
	"scribe/internal/transcription"
	"scribe/internal/translation"
	"scribe/internal/utils"

	"github.com/redis/go-redis/v9"
)

// Status represents the current application state
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusStopping  Status = "stopping"
	StatusError     Status = "error"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrNoTranscript     = errors.New("no transcript available")
)

// State holds the current application state
type State struct {
	Status       Status         `json:"status"`
	Message      string         `json:"message,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	OutputPath   string         `json:"outputPath,omitempty"`
	RecordingFor int            `json:"recordingFor"` // seconds since recording started
	Stats        *session.Stats `json:"stats,omitempty"`
}

// Result describes a finished recording.
type Result struct {
	SessionID      string        `json:"sessionId"`
	MasterPath     string        `json:"masterPath"`
	TranscriptPath string        `json:"transcriptPath,omitempty"`
	TranslatedPath string        `json:"translatedPath,omitempty"`
	Stats          session.Stats `json:"stats"`
}

// Option customizes an App, mostly for tests.
type Option func(*App)

func WithTranscriber(t transcription.Transcriber) Option {
	return func(a *App) { a.transcriber = t }
}

func WithTranslator(t translation.Translator) Option {
	return func(a *App) { a.translator = t }
}

func WithOpener(open session.OpenFunc) Option {
	return func(a *App) { a.open = open }
}

func WithQueue(q dispatch.Queue) Option {
	return func(a *App) { a.queue = q }
}

// WithSessionDeps lets callers tune session timing. Open, Transcriber,
// Queue, Store and Metrics are always set by the App.
func WithSessionDeps(d session.Deps) Option {
	return func(a *App) { a.sessionDeps = d }
}

// App owns the configured collaborators and at most one active recording.
type App struct {
	mu     sync.RWMutex
	config Config
	state  State

	metrics     *metrics.Metrics
	transcriber transcription.Transcriber
	translator  translation.Translator
	archive     *transcript.Archive
	redis       *redis.Client
	queue       dispatch.Queue
	manager     *audio.CaptureManager
	open        session.OpenFunc
	sessionDeps session.Deps

	current *recording
	last    *recording

	// message is the latest status line; it has its own lock because
	// sessions report status while a.mu is held.
	msgMu   sync.Mutex
	message string

	events eventHub
}

// recording is one session plus the goroutines following its store.
type recording struct {
	sess      *session.Session
	store     *transcript.Store
	startedAt time.Time

	stopOverlay context.CancelFunc
	overlayDone chan struct{}
	stopFollow  context.CancelFunc
	followDone  chan struct{}

	once   sync.Once
	result Result
	err    error
}

// New creates an App for cfg. Call Initialize before recording.
func New(cfg Config, opts ...Option) *App {
	a := &App{
		config:  cfg,
		state:   State{Status: StatusIdle},
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize builds the collaborators the options did not supply.
func (a *App) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.config

	if a.transcriber == nil {
		t, err := transcription.New(cfg.TranscriptionConfig())
		if err != nil {
			return fmt.Errorf("transcriber setup failed: %w", err)
		}
		a.transcriber = t
	}

	if a.translator == nil && cfg.Translation.Enabled {
		t, err := translation.NewDeepL(cfg.Translation.DeepLKey, cfg.Translation.TargetLang, cfg.Translation.APIURL)
		if err != nil {
			return fmt.Errorf("translator setup failed: %w", err)
		}
		a.translator = t
	}

	if a.archive == nil && cfg.ArchivePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.ArchivePath), os.ModePerm); err != nil {
			return err
		}
		ar, err := transcript.OpenArchive(cfg.ArchivePath)
		if err != nil {
			return err
		}
		a.archive = ar
	}

	if a.queue == nil && cfg.Queue.Backend == QueueRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("redis %s unreachable: %w", cfg.Queue.RedisAddr, err)
		}
		a.redis = client
		a.queue = dispatch.NewRedisQueue(client, cfg.Queue.RedisKey, 0)
	}

	if a.open == nil {
		m, err := audio.NewCaptureManager()
		if err != nil {
			return err
		}
		a.manager = m
		a.open = func(c audio.SourceConfig) (audio.Source, error) {
			src, err := m.Open(c)
			if err != nil {
				return nil, err
			}
			return src, nil
		}
	}

	slog.Info("app initialized",
		"transcriber", cfg.Transcriber.Backend,
		"translation", a.translator != nil,
		"archive", cfg.ArchivePath,
		"queue", cfg.Queue.Backend,
	)
	return nil
}

// Close stops an active recording and releases every resource.
func (a *App) Close() error {
	if a.IsRecording() {
		if _, err := a.StopRecording(); err != nil {
			slog.Warn("stop on close failed", "error", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
		a.archive = nil
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.manager != nil {
		a.manager.Close()
		a.manager = nil
	}
	a.events.closeAll()
	return errors.Join(errs...)
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Archive returns the transcript archive, nil when disabled.
func (a *App) Archive() *transcript.Archive {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.archive
}

// GetConfig returns the current configuration
func (a *App) GetConfig() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// IsRecording returns true if currently recording
func (a *App) IsRecording() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current != nil
}

// GetState returns the current state
func (a *App) GetState() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state := a.state
	state.Message = a.lastMessage()
	if rec := a.current; rec != nil {
		st := rec.sess.Stats()
		state.Stats = &st
		state.RecordingFor = int(time.Since(rec.startedAt).Seconds())
	} else if rec := a.last; rec != nil {
		st := rec.result.Stats
		state.Stats = &st
	}
	return state
}

// Store returns the transcript of the active recording, or of the last one.
func (a *App) Store() *transcript.Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch {
	case a.current != nil:
		return a.current.store
	case a.last != nil:
		return a.last.store
	default:
		return nil
	}
}

// LastResult returns the outcome of the most recent finished recording,
// nil when there is none.
func (a *App) LastResult() (*Result, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return nil, nil
	}
	res := a.last.result
	return &res, a.last.err
}

// Transcript renders the current or last transcript.
func (a *App) Transcript(translated bool) (string, error) {
	store := a.Store()
	if store == nil {
		return "", ErrNoTranscript
	}
	if translated {
		return store.Translated(), nil
	}
	return store.Full(), nil
}

// StartRecording begins a new session writing into the configured output
// directory and returns the master file path.
func (a *App) StartRecording(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		return "", ErrAlreadyRecording
	}
	if a.open == nil || a.transcriber == nil {
		return "", fmt.Errorf("not initialized")
	}

	absDir, err := utils.ResolveAbsPath(a.config.OutputDir, "")
	if err != nil {
		return "", fmt.Errorf("failed to resolve output directory: %w", err)
	}
	if err := os.MkdirAll(absDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := nextOutputPath(absDir, time.Now())

	sysID, err := audio.FindDeviceIDByName(a.config.SystemDevice, audio.DeviceTypeOutput)
	if err != nil {
		return "", err
	}
	micID := ""
	if a.config.MicEnabled {
		if micID, err = audio.FindDeviceIDByName(a.config.MicDevice, audio.DeviceTypeInput); err != nil {
			return "", err
		}
	}

	store := transcript.NewStore()
	deps := a.sessionDeps
	deps.Open = a.open
	deps.Transcriber = a.transcriber
	deps.Queue = a.queue
	deps.Store = store
	deps.SystemDevice = sysID
	deps.MicDevice = micID
	deps.Metrics = a.metrics

	sess, err := session.Start(ctx, session.Options{
		OutputPath:           outputPath,
		MicEnabled:           a.config.MicEnabled,
		ChunkIntervalSeconds: a.config.ChunkSeconds,
	}, deps, a.sessionEvents())
	if err != nil {
		a.setState(State{Status: StatusError, ErrorMessage: err.Error()})
		return "", err
	}

	rec := &recording{sess: sess, store: store, startedAt: sess.StartedAt()}
	a.follow(rec)
	a.current = rec
	a.setState(State{Status: StatusRecording, Message: "Recording...", SessionID: sess.ID(), OutputPath: outputPath})

	go func() {
		<-sess.Done()
		a.finish(rec)
	}()

	return outputPath, nil
}

// nextOutputPath names a new master file, adding a counter when a
// recording from the same second already exists.
func nextOutputPath(dir string, now time.Time) string {
	base := "recording_" + now.Format("20060102_150405")
	path := filepath.Join(dir, base+".wav")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.wav", base, i))
	}
}

// follow starts the archive writer and the translation overlay for rec.
func (a *App) follow(rec *recording) {
	if a.archive != nil {
		if err := a.archive.StartSession(rec.sess.ID(), rec.sess.OutputPath(), rec.startedAt); err != nil {
			slog.Warn("failed to archive session", "error", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		rec.stopFollow, rec.followDone = cancel, make(chan struct{})
		go func() {
			defer close(rec.followDone)
			a.archive.Follow(ctx, rec.sess.ID(), rec.store)
		}()
	}

	if a.translator != nil {
		ctx, cancel := context.WithCancel(context.Background())
		rec.stopOverlay, rec.overlayDone = cancel, make(chan struct{})
		overlay := translation.NewOverlay(a.translator, rec.store, a.metrics)
		go func() {
			defer close(rec.overlayDone)
			overlay.Run(ctx)
		}()
	}
}

// StopRecording stops the active session, waits for its transcription and
// translations, and writes the transcript files next to the master file.
func (a *App) StopRecording() (Result, error) {
	a.mu.Lock()
	rec := a.current
	if rec == nil {
		a.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	a.setState(State{Status: StatusStopping, Message: "Stopping...", SessionID: rec.sess.ID(), OutputPath: rec.sess.OutputPath()})
	a.mu.Unlock()

	return a.finish(rec)
}

// finish runs once per recording, from StopRecording or when the session
// ends on its own.
func (a *App) finish(rec *recording) (Result, error) {
	rec.once.Do(func() {
		rec.result, rec.err = a.complete(rec)

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.current == rec {
			a.current = nil
		}
		a.last = rec

		st := State{Status: StatusIdle, Message: "Recording stopped", SessionID: rec.sess.ID(), OutputPath: rec.result.MasterPath}
		if rec.err != nil && !errors.Is(rec.err, session.ErrResidualWork) {
			st.Status, st.ErrorMessage = StatusError, rec.err.Error()
		}
		a.setState(st)
	})
	return rec.result, rec.err
}

func (a *App) complete(rec *recording) (Result, error) {
	masterPath, stopErr := rec.sess.Stop()

	// translations first, so the archive sees them
	if rec.stopOverlay != nil {
		a.emit(Event{Type: EventStatus, Message: "Finishing translation..."})
		rec.stopOverlay()
		<-rec.overlayDone
	}
	if rec.stopFollow != nil {
		rec.stopFollow()
		<-rec.followDone
		if err := a.archive.FinishSession(rec.sess.ID(), time.Now()); err != nil {
			slog.Warn("failed to close archived session", "error", err)
		}
	}

	res := Result{SessionID: rec.sess.ID(), MasterPath: masterPath, Stats: rec.sess.Stats()}
	if rec.store.Len() > 0 {
		var err error
		res.TranscriptPath, res.TranslatedPath, err = WriteTranscripts(masterPath, rec.store, a.translator != nil)
		if err != nil {
			slog.Error("failed to write transcript", "error", err)
			stopErr = errors.Join(stopErr, err)
		}
	}

	slog.Info("recording finished",
		"master", res.MasterPath,
		"transcript", res.TranscriptPath,
		"segments", rec.store.Len(),
		"error", stopErr,
	)
	return res, stopErr
}

// WriteTranscripts writes {base}_transcript.txt and, when translated is
// set, {base}_transcript_translated.txt next to masterPath.
func WriteTranscripts(masterPath string, store *transcript.Store, translated bool) (string, string, error) {
	base := utils.TrimExt(masterPath)

	full := base + "_transcript.txt"
	if err := os.WriteFile(full, []byte(store.Full()), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write transcript: %w", err)
	}
	if !translated {
		return full, "", nil
	}

	tr := base + "_transcript_translated.txt"
	if err := os.WriteFile(tr, []byte(store.Translated()), 0o644); err != nil {
		return full, "", fmt.Errorf("failed to write translated transcript: %w", err)
	}
	return full, tr, nil
}

func (a *App) sessionEvents() session.Events {
	return session.Events{
		OnChunkReady: func(c segmenter.ChunkToProcess) {
			a.emit(Event{Type: EventChunkReady, Chunk: &c})
		},
		OnSegmentAdded: func(seg transcript.Segment) {
			a.emit(Event{Type: EventSegmentAdded, Segment: &seg})
		},
		OnStatus: func(msg string) {
			a.setMessage(msg)
			a.emit(Event{Type: EventStatus, Message: msg})
		},
		OnError: func(err error) {
			slog.Error("recording failed", "error", err)
			a.emit(Event{Type: EventError, Message: err.Error()})
		},
	}
}

// setState must be called with a.mu held.
func (a *App) setState(st State) {
	if st.Message != "" {
		a.setMessage(st.Message)
	}
	a.state = st
	a.emit(Event{Type: EventStateChanged, State: &st})
}

func (a *App) setMessage(msg string) {
	a.msgMu.Lock()
	a.message = msg
	a.msgMu.Unlock()
}

func (a *App) lastMessage() string {
	a.msgMu.Lock()
	defer a.msgMu.Unlock()
	return a.message
}
