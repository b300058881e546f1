// Package offline transcribes long, already recorded WAV files by splitting
// them into fixed-length chunks.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"scribe/internal/audio"
	"scribe/internal/output"
	"scribe/internal/segmenter"
	"scribe/internal/transcript"
	"scribe/internal/transcription"
	"scribe/internal/utils"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultChunkDuration is the split length for long files.
const DefaultChunkDuration = 600 * time.Second

const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3
)

var ErrUnsupportedInput = errors.New("unsupported input audio")

// Splitter cuts a WAV file into chunks of ChunkDuration. The last chunk holds
// whatever remains; no minimum length applies.
type Splitter struct {
	ChunkDuration time.Duration
	// Dir receives the chunk files; empty means next to the input.
	Dir    string
	Logger *slog.Logger
}

func New(chunkDuration time.Duration) *Splitter {
	return &Splitter{ChunkDuration: chunkDuration}
}

func (s *Splitter) chunkDuration() time.Duration {
	if s.ChunkDuration <= 0 {
		return DefaultChunkDuration
	}
	return s.ChunkDuration
}

func (s *Splitter) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// ChunkPath names offline chunk n of base.
func ChunkPath(dir, base string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_chunk_%d.wav", base, n))
}

// Split writes the chunks as 32-bit float WAV files and returns them in
// order. On error, chunk files already written are removed.
func (s *Splitter) Split(ctx context.Context, inputPath string) ([]segmenter.ChunkToProcess, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a wav file", ErrUnsupportedInput, inputPath)
	}
	toFloat, err := sampleConverter(int(dec.WavAudioFormat), int(dec.BitDepth))
	if err != nil {
		return nil, err
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), Kind: audio.KindFloat32}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInput, err)
	}

	dir := s.Dir
	if dir == "" {
		dir = filepath.Dir(inputPath)
	}
	base := filepath.Base(utils.TrimExt(inputPath))
	chunkFrames := int64(format.FramesFor(s.chunkDuration()))

	var (
		chunks  []segmenter.ChunkToProcess
		w       *output.Writer
		written int64 // frames in the current chunk
		total   int64 // frames overall
	)
	fail := func(err error) ([]segmenter.ChunkToProcess, error) {
		if w != nil {
			w.Close()
			utils.RemoveQuietly(w.Path())
		}
		CleanupChunkFiles(chunks)
		return nil, err
	}
	closeChunk := func() error {
		if err := w.Close(); err != nil {
			return err
		}
		n := len(chunks)
		chunks = append(chunks, segmenter.ChunkToProcess{
			FilePath:    w.Path(),
			ChunkNumber: n,
			StartTime:   frameTime(total-written, format.SampleRate),
			EndTime:     frameTime(total, format.SampleRate),
		})
		w, written = nil, 0
		return nil
	}

	ib := &goaudio.IntBuffer{Data: make([]int, format.SampleRate*format.Channels)}
	samples := make([]float32, len(ib.Data))

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		n, err := dec.PCMBuffer(ib)
		if err != nil {
			return fail(fmt.Errorf("failed to read %s: %w", inputPath, err))
		}
		n -= n % format.Channels
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			samples[i] = toFloat(ib.Data[i])
		}

		block := samples[:n]
		for len(block) > 0 {
			if w == nil {
				w, err = output.Create(ChunkPath(dir, base, len(chunks)), format)
				if err != nil {
					return fail(err)
				}
			}
			room := int((chunkFrames - written) * int64(format.Channels))
			take := min(room, len(block))
			if err := w.WriteFloat32(block[:take]); err != nil {
				return fail(err)
			}
			frames := int64(take / format.Channels)
			written += frames
			total += frames
			block = block[take:]

			if written >= chunkFrames {
				if err := closeChunk(); err != nil {
					return fail(err)
				}
			}
		}
	}

	if w != nil {
		if err := closeChunk(); err != nil {
			return fail(err)
		}
	}

	s.logger().Info("split audio file", "input", inputPath, "chunks", len(chunks), "duration", frameTime(total, format.SampleRate))
	return chunks, nil
}

// CleanupChunkFiles removes chunk files and their transcript sidecars.
func CleanupChunkFiles(chunks []segmenter.ChunkToProcess) {
	for _, c := range chunks {
		if err := utils.RemoveQuietly(c.FilePath, utils.TrimExt(c.FilePath)+".txt", c.FilePath+".txt"); err != nil {
			slog.Warn("failed to remove chunk file", "path", c.FilePath, "error", err)
		}
	}
}

// Process transcribes inputPath into a store. Files no longer than the
// chunk duration are transcribed directly; longer ones are split first and
// the chunk files removed as they are done. A chunk that fails to transcribe
// becomes a failed segment. progress may be nil.
func (s *Splitter) Process(ctx context.Context, inputPath string, t transcription.Transcriber, progress func(msg string)) (*transcript.Store, error) {
	report := func(msg string) {
		if progress != nil {
			progress(msg)
		}
	}

	report("Analyzing audio file...")
	info, err := output.Info(inputPath)
	if err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: info.SampleRate, Channels: info.Channels, Kind: audio.KindFloat32}
	store := transcript.NewStore()

	if info.Duration <= s.chunkDuration() {
		report("Transcribing audio...")
		text, err := t.Transcribe(ctx, inputPath, format)
		if err != nil {
			return nil, err
		}
		store.Add(transcript.Segment{EndTime: info.Duration, Text: text})
		return store, nil
	}

	report(fmt.Sprintf("Long recording detected (%s). Processing in chunks...", transcript.FormatTimestamp(info.Duration)))
	chunks, err := s.Split(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	defer CleanupChunkFiles(chunks)

	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return store, err
		}
		report(fmt.Sprintf("Transcribing chunk %d/%d (%s - %s)", i+1, len(chunks),
			transcript.FormatTimestamp(c.StartTime), transcript.FormatTimestamp(c.EndTime)))

		seg := transcript.Segment{ChunkNumber: c.ChunkNumber, StartTime: c.StartTime, EndTime: c.EndTime}
		text, err := t.Transcribe(ctx, c.FilePath, format)
		if err != nil {
			seg.Failed = true
			s.logger().Warn("chunk transcription failed", "chunk", c.ChunkNumber, "error", err)
		} else {
			seg.Text = text
		}
		store.Add(seg)
		CleanupChunkFiles(chunks[i : i+1])
	}
	return store, nil
}

func frameTime(frames int64, rate int) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(rate))
}

// sampleConverter maps decoded integer samples to [-1, 1] floats.
func sampleConverter(wavFormat, bitDepth int) (func(int) float32, error) {
	switch {
	case wavFormat == wavFormatIEEEFloat && bitDepth == 32:
		return func(v int) float32 { return math.Float32frombits(uint32(int32(v))) }, nil
	case wavFormat == wavFormatPCM && bitDepth == 8:
		return func(v int) float32 { return float32(v-128) / 128 }, nil
	case wavFormat == wavFormatPCM && bitDepth == 16:
		return func(v int) float32 { return float32(v) / 32768 }, nil
	case wavFormat == wavFormatPCM && bitDepth == 24:
		return func(v int) float32 { return float32(v) / 8388608 }, nil
	case wavFormat == wavFormatPCM && bitDepth == 32:
		return func(v int) float32 { return float32(float64(v) / 2147483648) }, nil
	default:
		return nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedInput, wavFormat, bitDepth)
	}
}
