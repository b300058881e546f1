package segmenter

import (
	"fmt"
	"path/filepath"
	"time"
)

// ChunkToProcess is a finished chunk file awaiting transcription. Times are
// offsets from the start of the recording.
type ChunkToProcess struct {
	FilePath    string        `json:"file_path"`
	ChunkNumber int           `json:"chunk_number"`
	StartTime   time.Duration `json:"start_time"`
	EndTime     time.Duration `json:"end_time"`
}

func (c ChunkToProcess) Duration() time.Duration { return c.EndTime - c.StartTime }

const (
	DefaultInterval = 30 * time.Second
	MinInterval     = 5 * time.Second
	MaxInterval     = 300 * time.Second

	// MinFinalChunkBytes is the sample payload, in bytes and excluding the
	// 44-byte WAV header, that a trailing real-time chunk must exceed to be
	// dispatched. 100 KiB is about 0.27 s of 48 kHz stereo float audio.
	MinFinalChunkBytes = 100 * 1024
)

// ClampInterval converts a configured chunk length in seconds into a
// rotation interval within [MinInterval, MaxInterval]. Zero or negative
// values select DefaultInterval.
func ClampInterval(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultInterval
	}
	d := time.Duration(seconds) * time.Second
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

// ChunkPath names real-time chunk n of a recording whose master file has
// base name base (without extension).
func ChunkPath(dir, base string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_rt_chunk_%d.wav", base, n))
}
