// Package session runs one recording: two capture sources feed ingest
// buffers, a mixing worker writes the master file and rotating chunks, and a
// dispatch worker transcribes the chunks into a transcript store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"scribe/internal/audio"
	"scribe/internal/buffer"
	"scribe/internal/dispatch"
	"scribe/internal/metrics"
	"scribe/internal/mixer"
	"scribe/internal/reconcile"
	"scribe/internal/segmenter"
	"scribe/internal/transcript"
	"scribe/internal/transcription"
	"scribe/internal/utils"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrResidualWork is returned by Stop, together with the master path,
	// when a worker did not finish within its bound.
	ErrResidualWork = errors.New("stopped with residual work")
	ErrPathInUse    = errors.New("output path is already being recorded")
)

const (
	DefaultGracePeriod = 250 * time.Millisecond
	MinGracePeriod     = 200 * time.Millisecond
	DefaultStopTimeout = 10 * time.Second

	idleSleep      = 10 * time.Millisecond
	maxGrace       = 2 * time.Second
	reportInterval = time.Second
)

// Options are the per-recording inputs.
type Options struct {
	OutputPath           string
	MicEnabled           bool
	ChunkIntervalSeconds int
}

// Events are invoked from session goroutines; they must not block for long.
type Events struct {
	OnChunkReady   func(chunk segmenter.ChunkToProcess)
	OnSegmentAdded func(seg transcript.Segment)
	OnStatus       func(msg string)
	// OnError receives the fatal error that ended the session on its own,
	// such as device loss or a failed write.
	OnError func(err error)
}

// OpenFunc opens (without starting) a capture source.
type OpenFunc func(cfg audio.SourceConfig) (audio.Source, error)

// Deps are the collaborators of a session. Only Open and Transcriber are
// required.
type Deps struct {
	Open        OpenFunc
	Transcriber transcription.Transcriber

	// Queue defaults to a new in-memory queue.
	Queue dispatch.Queue
	// Store defaults to a new store.
	Store *transcript.Store

	SystemDevice string
	MicDevice    string

	IngestSize         int
	GracePeriod        time.Duration
	StopTimeout        time.Duration
	DrainTimeout       time.Duration
	PollInterval       time.Duration
	MinFinalChunkBytes int64

	Clock   func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Stats are the diagnostic counters of one session.
type Stats struct {
	SystemBytes     int64 `json:"systemBytes"`
	MicBytes        int64 `json:"micBytes"`
	SystemDropped   int64 `json:"systemDropped"`
	MicDropped      int64 `json:"micDropped"`
	FramesMixed     int64 `json:"framesMixed"`
	ChunksProduced  int64 `json:"chunksProduced"`
	ChunksDiscarded int64 `json:"chunksDiscarded"`
	Transcribed     int64 `json:"transcribed"`
	Failed          int64 `json:"failed"`
}

// Session is one start/stop cycle. Create it with Start.
type Session struct {
	id     string
	opts   Options
	deps   Deps
	events Events
	log    *slog.Logger
	format audio.Format

	system audio.Source
	mic    audio.Source
	sysBuf *buffer.Buffer
	micBuf *buffer.Buffer

	mixer  *mixer.Mixer
	seg    *segmenter.Segmenter
	queue  dispatch.Queue
	worker *dispatch.Worker
	store  *transcript.Store

	startedAt time.Time

	mixCancel      context.CancelFunc
	dispatchCancel context.CancelFunc
	mixDone        chan struct{}
	group          *errgroup.Group
	draining       atomic.Bool
	marks          captureMarks // owned by the mixing goroutine

	framesMixed atomic.Int64
	chunks      atomic.Int64
	discarded   atomic.Int64

	errMu sync.Mutex
	err   error

	stopOnce   sync.Once
	done       chan struct{}
	stopResult string
	stopErr    error
}

var (
	activeMu    sync.Mutex
	activePaths = map[string]struct{}{}
)

func claimPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	activeMu.Lock()
	defer activeMu.Unlock()
	if _, busy := activePaths[abs]; busy {
		return "", fmt.Errorf("%w: %s", ErrPathInUse, abs)
	}
	activePaths[abs] = struct{}{}
	return abs, nil
}

func releasePath(abs string) {
	activeMu.Lock()
	defer activeMu.Unlock()
	delete(activePaths, abs)
}

// Start opens the capture sources, creates the master file and begins
// recording. Device failures are returned immediately. ctx bounds the
// session: cancelling it stops the recording as Stop would.
func Start(ctx context.Context, opts Options, deps Deps, events Events) (*Session, error) {
	if opts.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if deps.Open == nil || deps.Transcriber == nil {
		return nil, fmt.Errorf("capture opener and transcriber are required")
	}
	deps = withDefaults(deps)

	abs, err := claimPath(opts.OutputPath)
	if err != nil {
		return nil, err
	}
	opts.OutputPath = abs

	s := &Session{
		id:      uuid.NewString(),
		opts:    opts,
		deps:    deps,
		events:  events,
		queue:   deps.Queue,
		store:   deps.Store,
		mixDone: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.log = deps.Logger.With("session", s.id)

	if err := s.open(); err != nil {
		s.closeSources()
		releasePath(abs)
		return nil, err
	}

	if err := s.begin(ctx); err != nil {
		s.closeSources()
		s.seg.Abort()
		_ = utils.RemoveQuietly(abs, segmenter.ChunkPath(filepath.Dir(abs), filepath.Base(utils.TrimExt(abs)), 0))
		releasePath(abs)
		return nil, err
	}

	deps.Metrics.SessionStarted()
	s.log.Info("recording started",
		"output", abs,
		"mic", opts.MicEnabled,
		"interval", segmenter.ClampInterval(opts.ChunkIntervalSeconds),
		"format", s.format.String(),
	)
	s.status("Recording...")
	return s, nil
}

func withDefaults(d Deps) Deps {
	if d.Queue == nil {
		d.Queue = dispatch.NewMemoryQueue()
	}
	if d.Store == nil {
		d.Store = transcript.NewStore()
	}
	if d.GracePeriod < MinGracePeriod {
		d.GracePeriod = DefaultGracePeriod
	}
	if d.StopTimeout <= 0 {
		d.StopTimeout = DefaultStopTimeout
	}
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = dispatch.DefaultDrainTimeout
	}
	if d.MinFinalChunkBytes == 0 {
		d.MinFinalChunkBytes = segmenter.MinFinalChunkBytes
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// open prepares sources, buffers, mixer and segmenter.
func (s *Session) open() error {
	system, err := s.deps.Open(audio.SourceConfig{
		Role:     audio.RoleSystem,
		DeviceID: s.deps.SystemDevice,
		OnError:  s.fail,
	})
	if err != nil {
		return fmt.Errorf("failed to open system audio: %w", err)
	}
	s.system = system
	s.format = system.Format()

	s.sysBuf = s.newBuffer(audio.RoleSystem, s.format)

	var micConv *reconcile.Reconciler
	var micInput mixer.Input
	if s.opts.MicEnabled {
		mic, err := s.deps.Open(audio.SourceConfig{
			Role:     audio.RoleMicrophone,
			DeviceID: s.deps.MicDevice,
			OnError:  s.fail,
		})
		if err != nil {
			return fmt.Errorf("failed to open microphone: %w", err)
		}
		s.mic = mic

		micConv, err = reconcile.New(mic.Format(), s.format)
		if err != nil {
			return fmt.Errorf("%w: microphone %s to %s: %v", audio.ErrFormatNegotiation, mic.Format(), s.format, err)
		}
		if !micConv.Passthrough() {
			s.log.Info("microphone will be converted", "from", mic.Format().String(), "to", s.format.String())
		}
		s.micBuf = s.newBuffer(audio.RoleMicrophone, mic.Format())
		micInput = s.micBuf
	}

	s.mixer, err = mixer.New(s.format, s.sysBuf, micInput, micConv)
	if err != nil {
		return err
	}

	s.seg, err = segmenter.New(segmenter.Config{
		MasterPath:         s.opts.OutputPath,
		Format:             s.format,
		Interval:           segmenter.ClampInterval(s.opts.ChunkIntervalSeconds),
		MinFinalChunkBytes: s.deps.MinFinalChunkBytes,
		Clock:              s.deps.Clock,
		Logger:             s.log,
	}, segmenter.SinkFunc(s.enqueue))
	if err != nil {
		return err
	}
	s.startedAt = s.seg.StartTime()
	return nil
}

func (s *Session) newBuffer(role audio.Role, f audio.Format) *buffer.Buffer {
	b := buffer.New(audio.IngestBufferSize(f, s.deps.IngestSize))
	m := s.deps.Metrics
	b.OnOverflow = func(n int) { m.AddDropped(string(role), int64(n)) }
	return b
}

// begin starts the two workers and then the devices.
func (s *Session) begin(ctx context.Context) error {
	s.worker = dispatch.NewWorker(s.queue, s.deps.Transcriber, s.store, dispatch.WorkerConfig{
		Format:       s.format,
		PollInterval: s.deps.PollInterval,
		DrainTimeout: s.deps.DrainTimeout,
		OnStatus:     s.status,
		OnSegment:    s.events.OnSegmentAdded,
		Metrics:      s.deps.Metrics,
		Logger:       s.log,
	})

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	mixCtx, mixCancel := context.WithCancel(gctx)
	dispatchCtx, dispatchCancel := context.WithCancel(gctx)
	s.group = g
	s.mixCancel = mixCancel
	s.dispatchCancel = dispatchCancel

	g.Go(func() error {
		defer close(s.mixDone)
		return s.mixLoop(mixCtx)
	})
	g.Go(func() error { return s.worker.Run(dispatchCtx) })

	if err := s.startSources(); err != nil {
		mixCancel()
		dispatchCancel()
		_ = g.Wait()
		return err
	}

	context.AfterFunc(ctx, func() { s.Stop() })
	return nil
}

func (s *Session) startSources() error {
	if err := s.system.Start(s.sysBuf); err != nil {
		return fmt.Errorf("failed to start system audio: %w", err)
	}
	if s.mic != nil {
		if err := s.mic.Start(s.micBuf); err != nil {
			return fmt.Errorf("failed to start microphone: %w", err)
		}
	}
	return nil
}

func (s *Session) ID() string               { return s.id }
func (s *Session) OutputPath() string       { return s.opts.OutputPath }
func (s *Session) Options() Options         { return s.opts }
func (s *Session) Format() audio.Format     { return s.format }
func (s *Session) StartedAt() time.Time     { return s.startedAt }
func (s *Session) Store() *transcript.Store { return s.store }

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fatal error that ended the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Stats() Stats {
	st := Stats{
		SystemBytes:     s.sysBuf.Written(),
		SystemDropped:   s.sysBuf.Dropped(),
		FramesMixed:     s.framesMixed.Load(),
		ChunksProduced:  s.chunks.Load(),
		ChunksDiscarded: s.discarded.Load(),
	}
	if s.micBuf != nil {
		st.MicBytes = s.micBuf.Written()
		st.MicDropped = s.micBuf.Dropped()
	}
	if s.worker != nil {
		ws := s.worker.Stats()
		st.Transcribed = ws.Processed
		st.Failed = ws.Failed
	}
	return st
}

func (s *Session) setErr(err error) bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return false
	}
	s.err = err
	return true
}

// fail records the first fatal error and stops the session in the
// background.
func (s *Session) fail(err error) {
	if !s.setErr(err) {
		return
	}

	s.log.Error("recording aborted", "error", err)
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
	go s.Stop()
}

func (s *Session) status(msg string) {
	if s.events.OnStatus != nil {
		s.events.OnStatus(msg)
	}
}

// enqueue is the segmenter's sink; it runs on the mixing goroutine.
func (s *Session) enqueue(ctx context.Context, chunk segmenter.ChunkToProcess) error {
	if err := s.queue.Enqueue(context.WithoutCancel(ctx), chunk); err != nil {
		return err
	}
	s.chunks.Add(1)
	s.deps.Metrics.ChunkProduced(chunk.Duration())
	if n, err := s.queue.Len(ctx); err == nil {
		s.deps.Metrics.SetQueueDepth(n)
	}
	if s.events.OnChunkReady != nil {
		s.events.OnChunkReady(chunk)
	}
	return nil
}

// Stop ends the recording and returns the master file path. It is safe to
// call more than once and from several goroutines; every call returns the
// same result. If a worker overran its bound the path is returned together
// with ErrResidualWork.
func (s *Session) Stop() (string, error) {
	s.stopOnce.Do(func() {
		s.stopResult, s.stopErr = s.stop()
		close(s.done)
	})
	<-s.done
	return s.stopResult, s.stopErr
}

func (s *Session) stop() (string, error) {
	s.log.Info("stopping recording")
	s.status("Stopping...")

	// 1. stop capture, keep mixing what is still buffered
	s.draining.Store(true)
	s.stopSources()

	// 2. grace period for in-flight callbacks
	s.grace()

	// 3. final drain of the buffers and the last chunk
	s.mixCancel()
	residual := false
	select {
	case <-s.mixDone:
	case <-time.After(s.deps.StopTimeout):
		s.log.Warn("mixing worker did not finish in time", "timeout", s.deps.StopTimeout)
		residual = true
	}

	// 4. let the dispatch worker drain the queue, bounded
	s.status("Finishing transcription...")
	s.dispatchCancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- s.group.Wait() }()

	var groupErr error
	select {
	case groupErr = <-waitErr:
	case <-time.After(s.deps.DrainTimeout + s.deps.StopTimeout):
		s.log.Warn("dispatch worker did not finish in time")
		residual = true
	}
	if errors.Is(groupErr, dispatch.ErrDrainTimeout) {
		residual = true
		groupErr = nil
	}

	// 5. release devices
	s.closeSources()
	if mq, ok := s.queue.(*dispatch.MemoryQueue); ok {
		mq.Close()
	}
	s.deps.Metrics.SessionStopped()
	releasePath(s.opts.OutputPath)

	st := s.Stats()
	s.log.Info("recording stopped",
		"master", s.opts.OutputPath,
		"chunks", st.ChunksProduced,
		"discarded", st.ChunksDiscarded,
		"transcribed", st.Transcribed,
		"system_dropped", st.SystemDropped,
		"mic_dropped", st.MicDropped,
	)
	s.status("Recording stopped")

	// 6. result
	err := s.Err()
	if err == nil {
		err = groupErr
	}
	if residual {
		if err != nil {
			err = errors.Join(err, ErrResidualWork)
		} else {
			err = ErrResidualWork
		}
	}
	return s.opts.OutputPath, err
}

// grace waits at least GracePeriod, extending it while sources keep
// delivering, up to a hard limit.
func (s *Session) grace() {
	deadline := time.Now().Add(maxGrace)
	last := s.captured()
	for {
		time.Sleep(s.deps.GracePeriod)
		now := s.captured()
		if now == last || time.Now().After(deadline) {
			return
		}
		last = now
	}
}

func (s *Session) captured() int64 {
	n := s.sysBuf.Written()
	if s.micBuf != nil {
		n += s.micBuf.Written()
	}
	return n
}

func (s *Session) stopSources() {
	if err := s.system.Stop(); err != nil {
		s.log.Warn("failed to stop system audio", "error", err)
	}
	if s.mic != nil {
		if err := s.mic.Stop(); err != nil {
			s.log.Warn("failed to stop microphone", "error", err)
		}
	}
}

func (s *Session) closeSources() {
	if s.system != nil {
		s.system.Close()
	}
	if s.mic != nil {
		s.mic.Close()
	}
}
