// Package output writes canonical float32 PCM to WAV files.
package output

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"scribe/internal/audio"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFormatIEEEFloat is the WAVE format tag for IEEE float samples.
const wavFormatIEEEFloat = 3

// Writer streams interleaved float32 samples into a WAV file. The header is
// rewritten with the final sizes on Close.
type Writer struct {
	path   string
	format audio.Format

	mu     sync.Mutex
	f      *os.File
	bw     *bufferedFile
	enc    *wav.Encoder
	ib     *goaudio.IntBuffer
	bytes  int64
	closed bool
}

// Create creates (or truncates) path and writes a WAV header for format.
func Create(path string, format audio.Format) (*Writer, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid output format: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	bw := newBufferedFile(f)
	w := &Writer{
		path:   path,
		format: format,
		f:      f,
		bw:     bw,
		enc:    wav.NewEncoder(bw, format.SampleRate, format.BitDepth(), format.Channels, wavFormatIEEEFloat),
		ib: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: format.BitDepth(),
		},
	}

	// emit the header now so an empty recording is still a valid file
	if err := w.enc.Write(w.ib); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return w, nil
}

func (w *Writer) Path() string         { return w.path }
func (w *Writer) Format() audio.Format { return w.format }

// Bytes returns the number of sample bytes written so far (header excluded).
func (w *Writer) Bytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytes
}

// WriteFloat32 appends whole frames from samples. Trailing samples that do
// not fill a frame are ignored.
func (w *Writer) WriteFloat32(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("write to closed file %s", w.path)
	}

	n := len(samples) - len(samples)%w.format.Channels
	if n == 0 {
		return nil
	}

	if cap(w.ib.Data) < n {
		w.ib.Data = make([]int, n)
	}
	w.ib.Data = w.ib.Data[:n]
	for i, s := range samples[:n] {
		w.ib.Data[i] = int(int32(math.Float32bits(s)))
	}

	if err := w.enc.Write(w.ib); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	w.bytes += int64(n * audio.BytesPerSample)
	return nil
}

// Close finalizes the header and closes the file. It is safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.enc.Close(); err != nil {
		firstErr = fmt.Errorf("failed to finalize header: %w", err)
	}
	if err := w.bw.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to flush: %w", err)
	}
	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close file: %w", err)
	}

	slog.Debug("wav file closed", "path", w.path, "bytes", w.bytes)
	return firstErr
}

// bufferedFile adds write buffering to a file while still supporting the
// seeks the encoder performs when patching the header.
type bufferedFile struct {
	f *os.File
	w *bufio.Writer
}

func newBufferedFile(f *os.File) *bufferedFile {
	return &bufferedFile{f: f, w: bufio.NewWriterSize(f, 256*1024)}
}

func (b *bufferedFile) Write(p []byte) (int, error) { return b.w.Write(p) }

func (b *bufferedFile) Seek(offset int64, whence int) (int64, error) {
	if err := b.w.Flush(); err != nil {
		return 0, err
	}
	return b.f.Seek(offset, whence)
}

func (b *bufferedFile) Flush() error { return b.w.Flush() }
