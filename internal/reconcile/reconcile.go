// Package reconcile converts a capture stream into the canonical pipeline
// format: channel count first, then sample rate.
package reconcile

import (
	"errors"
	"fmt"

	"scribe/internal/audio"
)

var ErrUnsupportedChannels = errors.New("unsupported channel conversion")

// Reconciler converts interleaved float32 samples from one format to another.
// It keeps resampling state between calls, so a single Reconciler must be used
// for one continuous stream.
type Reconciler struct {
	from, to audio.Format
	rs       *resampler
	fed      bool
}

func New(from, to audio.Format) (*Reconciler, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("source format: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("target format: %w", err)
	}
	if !channelsSupported(from.Channels, to.Channels) {
		return nil, fmt.Errorf("%w: %d -> %d", ErrUnsupportedChannels, from.Channels, to.Channels)
	}

	r := &Reconciler{from: from, to: to}
	if from.SampleRate != to.SampleRate {
		rs, err := newResampler(from.SampleRate, to.SampleRate, to.Channels)
		if err != nil {
			return nil, err
		}
		r.rs = rs
	}
	return r, nil
}

func (r *Reconciler) From() audio.Format { return r.from }
func (r *Reconciler) To() audio.Format   { return r.to }

// Passthrough reports whether Convert returns its input unchanged.
func (r *Reconciler) Passthrough() bool {
	return r.rs == nil && r.from.Channels == r.to.Channels
}

// Convert returns in converted to the target format. The result may alias in
// when no conversion is needed. When resampling, the filter delays the
// stream by a few milliseconds; Flush returns the held-back tail.
func (r *Reconciler) Convert(in []float32) ([]float32, error) {
	out := ConvertChannels(in, r.from.Channels, r.to.Channels)
	if r.rs == nil || len(out) == 0 {
		return out, nil
	}
	r.fed = true
	return r.rs.process(out)
}

// Flush returns the samples still buffered by the resampler at the end of
// the stream. It returns nil when no rate conversion is configured or
// nothing was converted.
func (r *Reconciler) Flush() ([]float32, error) {
	if r.rs == nil || !r.fed {
		return nil, nil
	}
	return r.rs.flush()
}

func channelsSupported(from, to int) bool {
	return from == to || (from == 1 && to == 2) || (from == 2 && to == 1)
}

// ConvertChannels handles mono->stereo (duplicate) and stereo->mono
// (average). Matching channel counts return in unchanged.
func ConvertChannels(in []float32, from, to int) []float32 {
	switch {
	case from == to:
		return in
	case from == 1 && to == 2:
		out := make([]float32, len(in)*2)
		for i, s := range in {
			out[2*i] = s
			out[2*i+1] = s
		}
		return out
	case from == 2 && to == 1:
		frames := len(in) / 2
		out := make([]float32, frames)
		for i := 0; i < frames; i++ {
			out[i] = (in[2*i] + in[2*i+1]) * 0.5
		}
		return out
	default:
		return in
	}
}
