// Package mixer blends the system and microphone streams using available-data
// semantics: each cycle takes whatever each source has buffered and treats a
// missing source as silence, so a stalled input never stalls the output.
package mixer

import (
	"fmt"

	"scribe/internal/audio"
	"scribe/internal/reconcile"
)

// Input is the consumer side of an ingest buffer.
type Input interface {
	Read(p []byte) (int, error)
	Len() int
}

// Stats counts mixer activity for one session.
type Stats struct {
	Cycles       int64
	IdleCycles   int64
	FramesMixed  int64
	SystemFrames int64
	MicFrames    int64
	// ConvertErrors counts microphone blocks lost to a failed conversion.
	ConvertErrors int64
}

// Mixer is not safe for concurrent use; it is owned by the mixing worker.
type Mixer struct {
	format      audio.Format
	cycleFrames int

	system  Input
	sysRaw  []byte
	sysBuf  []float32
	mic     Input
	micConv *reconcile.Reconciler
	micRaw  []byte
	micTmp  []float32
	pending []float32 // converted mic samples not yet mixed
	flushed bool

	out   []float32
	stats Stats
}

// New creates a mixer producing format, which must be the system source's
// format. mic may be nil to mix the system stream alone.
func New(format audio.Format, system Input, mic Input, micConv *reconcile.Reconciler) (*Mixer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if system == nil {
		return nil, fmt.Errorf("system input is required")
	}
	if mic != nil {
		if micConv == nil {
			return nil, fmt.Errorf("microphone input requires a reconciler")
		}
		if micConv.To() != format {
			return nil, fmt.Errorf("reconciler targets %s, mixer uses %s", micConv.To(), format)
		}
	}

	cycle := audio.CycleFrames(format)
	m := &Mixer{
		format:      format,
		cycleFrames: cycle,
		system:      system,
		sysRaw:      make([]byte, cycle*format.BytesPerFrame()),
		sysBuf:      make([]float32, cycle*format.Channels),
		out:         make([]float32, cycle*format.Channels),
	}
	if mic != nil {
		micFormat := micConv.From()
		micCycle := audio.CycleFrames(micFormat)
		m.mic = mic
		m.micConv = micConv
		m.micRaw = make([]byte, micCycle*micFormat.BytesPerFrame())
		m.micTmp = make([]float32, micCycle*micFormat.Channels)
	}
	return m, nil
}

func (m *Mixer) Format() audio.Format { return m.format }
func (m *Mixer) Stats() Stats         { return m.stats }

// Pending reports whether any source still holds unmixed data.
func (m *Mixer) Pending() bool {
	if m.system.Len() >= m.format.BytesPerFrame() {
		return true
	}
	if m.mic == nil {
		return false
	}
	return len(m.pending) > 0 || m.mic.Len() >= m.micConv.From().BytesPerFrame()
}

// Next runs one mixing cycle and returns up to one cycle (about 100 ms) of
// interleaved samples. The returned slice is reused by the next call. It
// returns nil when neither source has data; the caller should idle briefly.
func (m *Mixer) Next() []float32 {
	m.stats.Cycles++
	ch := m.format.Channels

	sysFrames := m.readSystem()
	micFrames := m.fillMic()

	frames := max(sysFrames, micFrames)
	if frames == 0 {
		m.stats.IdleCycles++
		return nil
	}

	out := m.out[:frames*ch]
	switch {
	case micFrames == 0:
		copy(out, m.sysBuf[:frames*ch])
	case sysFrames == 0:
		copy(out, m.pending[:frames*ch])
	default:
		sysN := sysFrames * ch
		micN := micFrames * ch
		for i := range out {
			var s, v float32
			if i < sysN {
				s = m.sysBuf[i]
			}
			if i < micN {
				v = m.pending[i]
			}
			out[i] = (s + v) * 0.5
		}
	}

	if micFrames > 0 {
		m.pending = m.pending[micFrames*ch:]
	}

	m.stats.FramesMixed += int64(frames)
	m.stats.SystemFrames += int64(sysFrames)
	m.stats.MicFrames += int64(micFrames)
	return out
}

// Flush moves the microphone converter's held-back tail into the backlog.
// Call it once at end of stream, after both inputs have been read dry;
// later Next calls mix the tail.
func (m *Mixer) Flush() error {
	if m.mic == nil || m.flushed {
		return nil
	}
	m.flushed = true
	tail, err := m.micConv.Flush()
	if err != nil {
		return fmt.Errorf("failed to flush microphone converter: %w", err)
	}
	m.pending = append(m.pending, tail...)
	return nil
}

func (m *Mixer) readSystem() int {
	bpf := m.format.BytesPerFrame()
	want := m.system.Len()
	want -= want % bpf
	if want == 0 {
		return 0
	}
	if want > len(m.sysRaw) {
		want = len(m.sysRaw)
	}
	n, _ := m.system.Read(m.sysRaw[:want])
	n -= n % bpf
	return audio.DecodeFloat32(m.sysBuf, m.sysRaw[:n]) / m.format.Channels
}

// fillMic tops up the converted microphone backlog and returns how many
// frames of it are usable this cycle.
func (m *Mixer) fillMic() int {
	if m.mic == nil {
		return 0
	}
	ch := m.format.Channels
	target := m.cycleFrames * ch

	if len(m.pending) < target {
		micFormat := m.micConv.From()
		bpf := micFormat.BytesPerFrame()
		want := m.mic.Len()
		want -= want % bpf
		if want > len(m.micRaw) {
			want = len(m.micRaw)
		}
		if want > 0 {
			n, _ := m.mic.Read(m.micRaw[:want])
			n -= n % bpf
			k := audio.DecodeFloat32(m.micTmp, m.micRaw[:n])
			conv, err := m.micConv.Convert(m.micTmp[:k])
			if err != nil {
				m.stats.ConvertErrors++
			} else {
				m.pending = append(m.pending, conv...)
			}
		}
	}

	frames := len(m.pending) / ch
	if frames > m.cycleFrames {
		frames = m.cycleFrames
	}
	return frames
}
