package reconcile

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampler"
)

// Quality is the filter preset used for rate conversion. Medium keeps about
// 100 dB of stopband attenuation at a latency that suits live capture.
const Quality = resampling.QualityMedium

// resampler runs one polyphase engine per channel on deinterleaved planes.
type resampler struct {
	engines []*resampling.SimpleResamplerFloat32
	planes  [][]float32
}

func newResampler(fromRate, toRate, channels int) (*resampler, error) {
	r := &resampler{
		engines: make([]*resampling.SimpleResamplerFloat32, channels),
		planes:  make([][]float32, channels),
	}
	for c := range r.engines {
		e, err := resampling.NewEngineFloat32(float64(fromRate), float64(toRate), Quality)
		if err != nil {
			return nil, fmt.Errorf("failed to create resampler %d -> %d Hz: %w", fromRate, toRate, err)
		}
		r.engines[c] = e
	}
	return r, nil
}

func (r *resampler) process(in []float32) ([]float32, error) {
	if len(r.engines) == 1 {
		return r.engines[0].Process(in)
	}

	ch := len(r.engines)
	frames := len(in) / ch
	outs := make([][]float32, ch)
	for c, e := range r.engines {
		plane := r.plane(c, frames)
		for i := 0; i < frames; i++ {
			plane[i] = in[i*ch+c]
		}
		out, err := e.Process(plane)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", c, err)
		}
		outs[c] = out
	}
	return interleave(outs), nil
}

// flush returns the samples still held in the filters' delay lines.
func (r *resampler) flush() ([]float32, error) {
	outs := make([][]float32, len(r.engines))
	for c, e := range r.engines {
		out, err := e.Flush()
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", c, err)
		}
		outs[c] = out
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return interleave(outs), nil
}

func (r *resampler) plane(c, frames int) []float32 {
	if cap(r.planes[c]) < frames {
		r.planes[c] = make([]float32, frames)
	}
	return r.planes[c][:frames]
}

// interleave zips equal-rate planes. The engines see identical input lengths,
// so the planes only differ if one failed part way; the shortest wins.
func interleave(planes [][]float32) []float32 {
	frames := len(planes[0])
	for _, p := range planes[1:] {
		frames = min(frames, len(p))
	}
	ch := len(planes)
	out := make([]float32, frames*ch)
	for c, p := range planes {
		for i := 0; i < frames; i++ {
			out[i*ch+c] = p[i]
		}
	}
	return out
}
