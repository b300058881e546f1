package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"scribe/internal/audio"
	"scribe/internal/metrics"
	"scribe/internal/segmenter"
	"scribe/internal/transcript"
	"scribe/internal/transcription"
	"scribe/internal/utils"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultDrainTimeout = 5 * time.Second
)

// ErrDrainTimeout is returned by Run when chunks were left in the queue
// after the drain deadline.
var ErrDrainTimeout = errors.New("dispatch drain timed out")

// SegmentStore receives transcribed segments.
type SegmentStore interface {
	Add(seg transcript.Segment)
}

type WorkerConfig struct {
	Format       audio.Format
	PollInterval time.Duration
	DrainTimeout time.Duration

	// OnStatus receives progress messages such as "Transcribing segment 2...".
	OnStatus func(msg string)
	// OnSegment is called after each segment is stored.
	OnSegment func(seg transcript.Segment)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// WorkerStats counts processed chunks.
type WorkerStats struct {
	Processed int64
	Failed    int64
	Residual  int64
}

// Worker consumes a Queue one chunk at a time.
type Worker struct {
	queue       Queue
	transcriber transcription.Transcriber
	store       SegmentStore
	cfg         WorkerConfig
	log         *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64
	residual  atomic.Int64
}

func NewWorker(q Queue, t transcription.Transcriber, store SegmentStore, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		queue:       q,
		transcriber: t,
		store:       store,
		cfg:         cfg,
		log:         cfg.Logger,
	}
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Residual:  w.residual.Load(),
	}
}

// Run processes chunks until ctx is cancelled, then keeps draining the queue
// for at most DrainTimeout. A transcription still running at the deadline is
// cancelled. Run returns ErrDrainTimeout if chunks remain.
func (w *Worker) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelWork(nil)

	stopDeadline := context.AfterFunc(ctx, func() {
		t := time.NewTimer(w.cfg.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancelWork(ErrDrainTimeout)
		case <-work.Done():
		}
	})
	defer stopDeadline()

	w.log.Debug("dispatch worker started")
	drained := 0
	for work.Err() == nil {
		stopping := ctx.Err() != nil

		dqCtx := ctx
		if stopping {
			dqCtx = work
		}
		chunk, ok, err := w.queue.Dequeue(dqCtx)
		if err != nil {
			if dqCtx.Err() != nil {
				continue
			}
			w.log.Warn("failed to dequeue chunk", "error", err)
			if stopping {
				break
			}
			w.sleep(ctx)
			continue
		}
		if !ok {
			if stopping {
				w.log.Debug("dispatch worker stopped", "drained", drained)
				w.reportDepth(context.WithoutCancel(ctx))
				return nil
			}
			w.sleep(ctx)
			continue
		}

		w.process(work, chunk)
		if stopping {
			drained++
		}
	}

	return w.residualWork(context.WithoutCancel(ctx), drained)
}

func (w *Worker) residualWork(ctx context.Context, drained int) error {
	left, err := w.queue.Len(ctx)
	if err != nil {
		w.log.Warn("failed to read queue length after drain", "error", err)
	}
	w.cfg.Metrics.SetQueueDepth(left)
	w.residual.Store(int64(left))

	w.log.Warn("dispatch worker stopped before the queue was empty", "remaining", left, "drained", drained)
	if mq, ok := w.queue.(*MemoryQueue); ok {
		w.discard(mq)
	}
	return fmt.Errorf("%w: %d chunks left", ErrDrainTimeout, left)
}

// discard empties an in-process queue and deletes the chunk files nobody
// will transcribe. A Redis list may be shared with another consumer and is
// left alone.
func (w *Worker) discard(q *MemoryQueue) {
	for {
		chunk, ok, _ := q.Dequeue(context.Background())
		if !ok {
			return
		}
		w.log.Warn("discarding untranscribed chunk", "chunk", chunk.ChunkNumber, "path", chunk.FilePath)
		if err := utils.RemoveQuietly(chunk.FilePath, utils.TrimExt(chunk.FilePath)+".txt"); err != nil {
			w.log.Warn("failed to remove chunk file", "path", chunk.FilePath, "error", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, chunk segmenter.ChunkToProcess) {
	w.status(fmt.Sprintf("Transcribing segment %d...", chunk.ChunkNumber+1))
	w.reportDepth(ctx)

	start := time.Now()
	text, err := w.transcriber.Transcribe(ctx, chunk.FilePath, w.cfg.Format)
	w.cfg.Metrics.ObserveTranscription(time.Since(start), err)

	seg := transcript.Segment{
		ChunkNumber: chunk.ChunkNumber,
		StartTime:   chunk.StartTime,
		EndTime:     chunk.EndTime,
	}
	if err != nil {
		seg.Failed = true
		w.failed.Add(1)
		w.log.Warn("chunk transcription failed", "chunk", chunk.ChunkNumber, "error", err)
	} else {
		seg.Text = strings.TrimSpace(text)
		w.log.Info("chunk transcribed", "chunk", chunk.ChunkNumber, "chars", len(seg.Text), "took", time.Since(start).Round(time.Millisecond))
	}

	w.store.Add(seg)
	w.processed.Add(1)
	if w.cfg.OnSegment != nil {
		w.cfg.OnSegment(seg)
	}

	if err := utils.RemoveQuietly(chunk.FilePath, utils.TrimExt(chunk.FilePath)+".txt"); err != nil {
		w.log.Warn("failed to remove chunk file", "path", chunk.FilePath, "error", err)
	}
}

func (w *Worker) status(msg string) {
	if w.cfg.OnStatus != nil {
		w.cfg.OnStatus(msg)
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	if w.cfg.Metrics == nil {
		return
	}
	if n, err := w.queue.Len(ctx); err == nil {
		w.cfg.Metrics.SetQueueDepth(n)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
