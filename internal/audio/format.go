package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 4
	BytesPerFrame  = BytesPerSample * Channels
)

// SampleKind describes how a single sample is encoded.
type SampleKind int

const (
	KindFloat32 SampleKind = iota // IEEE float, little endian
)

func (k SampleKind) String() string {
	switch k {
	case KindFloat32:
		return "f32le"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Format describes an interleaved PCM stream.
type Format struct {
	SampleRate int
	Channels   int
	Kind       SampleKind
}

// DefaultFormat is requested from devices when no native format is known.
var DefaultFormat = Format{SampleRate: SampleRate, Channels: Channels, Kind: KindFloat32}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Kind)
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.Kind != KindFloat32 {
		return fmt.Errorf("unsupported sample kind %s", f.Kind)
	}
	return nil
}

func (f Format) BytesPerSample() int { return BytesPerSample }

func (f Format) BytesPerFrame() int { return BytesPerSample * f.Channels }

func (f Format) BitDepth() int { return BytesPerSample * 8 }

// FramesFor returns the number of frames covering d.
func (f Format) FramesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// BytesFor returns the number of bytes covering d, frame aligned.
func (f Format) BytesFor(d time.Duration) int {
	return f.FramesFor(d) * f.BytesPerFrame()
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int64) time.Duration {
	bpf := int64(f.BytesPerFrame())
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// DecodeFloat32 decodes little endian float32 samples from p into dst and
// returns the number of samples written. Trailing partial samples are ignored.
func DecodeFloat32(dst []float32, p []byte) int {
	n := len(p) / BytesPerSample
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
	}
	return n
}

// EncodeFloat32 writes samples into dst as little endian float32 and returns
// the number of bytes written.
func EncodeFloat32(dst []byte, samples []float32) int {
	n := len(samples)
	if n*BytesPerSample > len(dst) {
		n = len(dst) / BytesPerSample
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(samples[i]))
	}
	return n * BytesPerSample
}
