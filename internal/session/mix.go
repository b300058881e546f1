package session

import (
	"context"
	"time"

	"scribe/internal/audio"
)

type captureMarks struct {
	at               time.Time
	sys, mic         int64
	sysDrop, micDrop int64
}

// mixLoop is the single consumer of both ingest buffers and the only writer
// of the master and chunk files.
func (s *Session) mixLoop(ctx context.Context) error {
	s.marks.at = time.Now()
	drainSeen := false
	idle := time.NewTimer(idleSleep)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return s.finish()
		}
		if !drainSeen && s.draining.Load() {
			s.seg.Drain()
			drainSeen = true
		}

		samples := s.mixer.Next()
		if samples == nil {
			s.maybeReport()
			idle.Reset(idleSleep)
			select {
			case <-ctx.Done():
			case <-idle.C:
			}
			continue
		}

		if err := s.write(ctx, samples); err != nil {
			s.seg.Abort()
			s.fail(err)
			return err
		}
		s.maybeReport()
	}
}

func (s *Session) write(ctx context.Context, samples []float32) error {
	if err := s.seg.Write(ctx, samples); err != nil {
		return err
	}
	s.framesMixed.Add(int64(len(samples) / s.format.Channels))
	return nil
}

// finish mixes whatever is still buffered and closes the segmenter.
func (s *Session) finish() error {
	s.seg.Drain()
	if err := s.drainMixer(); err != nil {
		return err
	}
	if err := s.mixer.Flush(); err != nil {
		s.log.Warn("microphone tail lost", "error", err)
	}
	if err := s.drainMixer(); err != nil {
		return err
	}

	_, err := s.seg.Finish(context.Background())
	st := s.seg.Stats()
	s.discarded.Store(int64(st.Discarded))
	for i := 0; i < st.Discarded; i++ {
		s.deps.Metrics.ChunkDiscarded()
	}
	s.report()

	if err != nil {
		s.setErr(err)
		return err
	}
	return nil
}

func (s *Session) drainMixer() error {
	for s.mixer.Pending() {
		samples := s.mixer.Next()
		if samples == nil {
			return nil
		}
		if err := s.write(context.Background(), samples); err != nil {
			s.seg.Abort()
			s.setErr(err)
			return err
		}
	}
	return nil
}

func (s *Session) maybeReport() {
	if time.Since(s.marks.at) >= reportInterval {
		s.report()
	}
}

// report publishes capture counters and logs overflow, at most once per
// reportInterval while recording.
func (s *Session) report() {
	m := &s.marks
	m.at = time.Now()

	sys, sysDrop := s.sysBuf.Written(), s.sysBuf.Dropped()
	s.deps.Metrics.AddCaptured(string(audio.RoleSystem), sys-m.sys)
	if d := sysDrop - m.sysDrop; d > 0 {
		s.log.Warn("ingest buffer overflow, oldest audio dropped", "source", audio.RoleSystem, "bytes", d)
	}
	m.sys, m.sysDrop = sys, sysDrop

	if s.micBuf == nil {
		return
	}
	mic, micDrop := s.micBuf.Written(), s.micBuf.Dropped()
	s.deps.Metrics.AddCaptured(string(audio.RoleMicrophone), mic-m.mic)
	if d := micDrop - m.micDrop; d > 0 {
		s.log.Warn("ingest buffer overflow, oldest audio dropped", "source", audio.RoleMicrophone, "bytes", d)
	}
	m.mic, m.micDrop = mic, micDrop
}
