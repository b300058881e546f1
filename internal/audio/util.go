package audio

// DefaultIngestSize is the capacity of a per-source ingest buffer.
const DefaultIngestSize = 10 * 1024 * 1024

// IngestBufferSize rounds size down to a whole number of frames of f so that
// overflow never splits a frame.
func IngestBufferSize(f Format, size int) int {
	if size <= 0 {
		size = DefaultIngestSize
	}
	bpf := f.BytesPerFrame()
	if bpf <= 0 {
		return size
	}
	if aligned := size - size%bpf; aligned > 0 {
		return aligned
	}
	return bpf
}

// CycleFrames returns the number of frames the mixer reads per cycle
// (100 ms worth).
func CycleFrames(f Format) int {
	n := f.SampleRate / 10
	if n < 1 {
		n = 1
	}
	return n
}
