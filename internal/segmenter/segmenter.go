// Package segmenter writes the mixed stream to the master recording and to a
// rotating chunk file, turning wall-clock time into ChunkToProcess units.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"scribe/internal/audio"
	"scribe/internal/output"
	"scribe/internal/utils"
)

var (
	// ErrChunkWrite wraps any failure writing the master or a chunk file.
	ErrChunkWrite = errors.New("chunk write failed")
	ErrFinished   = errors.New("segmenter finished")
)

// State is the segmenter lifecycle state.
type State int

const (
	StateRecording State = iota
	StateRotating
	StateDraining
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateRotating:
		return "rotating"
	case StateDraining:
		return "draining"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink receives finished chunks.
type Sink interface {
	Enqueue(ctx context.Context, chunk ChunkToProcess) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chunk ChunkToProcess) error

func (f SinkFunc) Enqueue(ctx context.Context, chunk ChunkToProcess) error { return f(ctx, chunk) }

type Config struct {
	MasterPath string
	Format     audio.Format
	Interval   time.Duration

	// MinFinalChunkBytes: the trailing chunk is dispatched only when its
	// sample payload (header excluded) is larger than this many bytes.
	// Negative dispatches every trailing chunk.
	MinFinalChunkBytes int64

	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// Stats counts segmenter output for one session.
type Stats struct {
	Chunks        int
	Discarded     int
	MasterBytes   int64
	LastChunkSize int64
}

// Segmenter is owned by the mixing worker and is not safe for concurrent use.
type Segmenter struct {
	cfg  Config
	sink Sink
	log  *slog.Logger

	dir, base string

	master *output.Writer
	chunk  *output.Writer

	state        State
	start        time.Time
	lastRotation time.Time
	chunkStart   time.Duration
	chunkNumber  int
	stats        Stats
}

// New creates the master file and the first chunk file. The recording clock
// starts now.
func New(cfg Config, sink Sink) (*Segmenter, error) {
	if cfg.MasterPath == "" {
		return nil, fmt.Errorf("master path is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Segmenter{
		cfg:  cfg,
		sink: sink,
		log:  cfg.Logger,
		dir:  filepath.Dir(cfg.MasterPath),
		base: filepath.Base(utils.TrimExt(cfg.MasterPath)),
	}

	master, err := output.Create(cfg.MasterPath, cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: master: %v", ErrChunkWrite, err)
	}
	s.master = master

	if err := s.openChunk(); err != nil {
		master.Close()
		return nil, err
	}

	s.start = cfg.Clock()
	s.lastRotation = s.start
	s.log.Info("segmenter started", "master", cfg.MasterPath, "interval", cfg.Interval, "format", cfg.Format.String())
	return s, nil
}

func (s *Segmenter) State() State         { return s.state }
func (s *Segmenter) Stats() Stats         { return s.stats }
func (s *Segmenter) MasterPath() string   { return s.cfg.MasterPath }
func (s *Segmenter) StartTime() time.Time { return s.start }

// Elapsed returns recording time so far.
func (s *Segmenter) Elapsed() time.Duration { return s.cfg.Clock().Sub(s.start) }

// Write appends samples to the master and current chunk, then rotates the
// chunk if the interval has elapsed. Rotation is suppressed while draining.
func (s *Segmenter) Write(ctx context.Context, samples []float32) error {
	if s.state == StateTerminal {
		return ErrFinished
	}

	if err := s.master.WriteFloat32(samples); err != nil {
		return fmt.Errorf("%w: master: %v", ErrChunkWrite, err)
	}
	if err := s.chunk.WriteFloat32(samples); err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrChunkWrite, s.chunkNumber, err)
	}

	if s.state == StateDraining {
		return nil
	}

	now := s.cfg.Clock()
	if now.Sub(s.lastRotation) >= s.cfg.Interval {
		return s.rotate(ctx, now)
	}
	return nil
}

// Drain stops interval rotation; later writes extend the final chunk.
func (s *Segmenter) Drain() {
	if s.state == StateRecording {
		s.state = StateDraining
		s.log.Debug("segmenter draining", "chunk", s.chunkNumber)
	}
}

// Finish closes the final chunk, dispatching it only if it carries more than
// MinFinalChunkBytes of audio, and closes the master file.
func (s *Segmenter) Finish(ctx context.Context) (string, error) {
	if s.state == StateTerminal {
		return s.cfg.MasterPath, nil
	}
	s.state = StateDraining

	end := s.Elapsed()
	finalErr := s.closeFinalChunk(ctx, end)

	s.stats.MasterBytes = s.master.Bytes()
	if err := s.master.Close(); err != nil && finalErr == nil {
		finalErr = fmt.Errorf("%w: master: %v", ErrChunkWrite, err)
	}
	s.state = StateTerminal

	s.log.Info("segmenter finished",
		"master", s.cfg.MasterPath,
		"chunks", s.stats.Chunks,
		"discarded", s.stats.Discarded,
		"duration", s.cfg.Format.Duration(s.stats.MasterBytes),
	)
	return s.cfg.MasterPath, finalErr
}

// Abort closes both writers without dispatching the open chunk, whose file
// is removed.
func (s *Segmenter) Abort() {
	if s.state == StateTerminal {
		return
	}
	s.state = StateTerminal
	if s.chunk != nil {
		s.chunk.Close()
		utils.RemoveQuietly(s.chunk.Path())
	}
	s.master.Close()
}

func (s *Segmenter) rotate(ctx context.Context, now time.Time) error {
	s.state = StateRotating
	defer func() {
		if s.state == StateRotating {
			s.state = StateRecording
		}
	}()

	end := now.Sub(s.start)
	path := s.chunk.Path()
	size := s.chunk.Bytes()
	if err := s.chunk.Close(); err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrChunkWrite, s.chunkNumber, err)
	}

	chunk := ChunkToProcess{
		FilePath:    path,
		ChunkNumber: s.chunkNumber,
		StartTime:   s.chunkStart,
		EndTime:     end,
	}
	s.stats.LastChunkSize = size

	s.chunkNumber++
	s.chunkStart = end
	s.lastRotation = now
	if err := s.openChunk(); err != nil {
		return err
	}

	s.stats.Chunks++
	s.log.Info("chunk ready", "chunk", chunk.ChunkNumber, "start", chunk.StartTime, "end", chunk.EndTime, "bytes", size)
	if err := s.sink.Enqueue(ctx, chunk); err != nil {
		return fmt.Errorf("enqueue chunk %d: %w", chunk.ChunkNumber, err)
	}
	return nil
}

func (s *Segmenter) closeFinalChunk(ctx context.Context, end time.Duration) error {
	path := s.chunk.Path()
	size := s.chunk.Bytes()
	if err := s.chunk.Close(); err != nil {
		utils.RemoveQuietly(path)
		return fmt.Errorf("%w: chunk %d: %v", ErrChunkWrite, s.chunkNumber, err)
	}
	s.chunk = nil

	if size <= s.cfg.MinFinalChunkBytes {
		s.stats.Discarded++
		s.log.Info("discarding final chunk", "chunk", s.chunkNumber, "bytes", size, "min", s.cfg.MinFinalChunkBytes)
		if err := utils.RemoveQuietly(path); err != nil {
			s.log.Warn("failed to remove discarded chunk", "path", path, "error", err)
		}
		return nil
	}

	chunk := ChunkToProcess{
		FilePath:    path,
		ChunkNumber: s.chunkNumber,
		StartTime:   s.chunkStart,
		EndTime:     end,
	}
	s.stats.Chunks++
	s.stats.LastChunkSize = size
	s.log.Info("final chunk ready", "chunk", chunk.ChunkNumber, "start", chunk.StartTime, "end", chunk.EndTime, "bytes", size)
	if err := s.sink.Enqueue(ctx, chunk); err != nil {
		return fmt.Errorf("enqueue chunk %d: %w", chunk.ChunkNumber, err)
	}
	return nil
}

func (s *Segmenter) openChunk() error {
	w, err := output.Create(ChunkPath(s.dir, s.base, s.chunkNumber), s.cfg.Format)
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %v", ErrChunkWrite, s.chunkNumber, err)
	}
	s.chunk = w
	return nil
}
