package output

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"scribe/internal/audio"

	"github.com/go-audio/wav"
)

var ErrInvalidWAV = errors.New("not a valid wav file")

// FileInfo describes a WAV file on disk.
type FileInfo struct {
	SampleRate  int
	Channels    int
	BitDepth    int
	AudioFormat int
	Frames      int64
	Duration    time.Duration
}

// Info reads the header of a WAV file.
func Info(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return FileInfo{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if dec.NumChans == 0 || dec.BitDepth == 0 {
		return FileInfo{}, ErrInvalidWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return FileInfo{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}

	info := FileInfo{
		SampleRate:  int(dec.SampleRate),
		Channels:    int(dec.NumChans),
		BitDepth:    int(dec.BitDepth),
		AudioFormat: int(dec.WavAudioFormat),
	}
	blockAlign := int64(info.Channels * info.BitDepth / 8)
	info.Frames = dec.PCMLen() / blockAlign
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames * int64(time.Second) / int64(info.SampleRate))
	}
	return info, nil
}

// ReadFloat32 loads a 32-bit float WAV file written by Writer.
func ReadFloat32(path string) ([]float32, audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if dec.BitDepth != 32 || dec.WavAudioFormat != wavFormatIEEEFloat {
		return nil, audio.Format{}, fmt.Errorf("%w: want 32-bit float, got %d-bit format %d", ErrInvalidWAV, dec.BitDepth, dec.WavAudioFormat)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = math.Float32frombits(uint32(int32(v)))
	}
	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans), Kind: audio.KindFloat32}
	return samples, format, nil
}
