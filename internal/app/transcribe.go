package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"scribe/internal/offline"
	"scribe/internal/transcript"
	"scribe/internal/translation"
	"scribe/internal/utils"

	"github.com/google/uuid"
)

// TranscribeFile transcribes an existing WAV file, splitting long ones, and
// writes the transcript files next to it. progress may be nil.
func (a *App) TranscribeFile(ctx context.Context, input string, progress func(msg string)) (Result, error) {
	a.mu.RLock()
	t, tr, ar := a.transcriber, a.translator, a.archive
	chunk := time.Duration(a.config.SplitSeconds) * time.Second
	a.mu.RUnlock()

	if t == nil {
		return Result{}, fmt.Errorf("not initialized")
	}
	abs, err := utils.ResolveAndValidatePath(input, "")
	if err != nil {
		return Result{}, err
	}

	report := func(msg string) {
		a.setMessage(msg)
		a.emit(Event{Type: EventStatus, Message: msg})
		if progress != nil {
			progress(msg)
		}
	}

	started := time.Now()
	splitter := &offline.Splitter{ChunkDuration: chunk, Logger: slog.Default()}
	store, err := splitter.Process(ctx, abs, t, report)
	if err != nil {
		return Result{}, err
	}

	res := Result{SessionID: uuid.NewString(), MasterPath: abs}
	res.Stats.Transcribed, res.Stats.Failed = countSegments(store)

	if ar != nil {
		archiveStore(ar, res.SessionID, abs, started, store)
	}

	res.TranscriptPath, _, err = WriteTranscripts(abs, store, false)
	if err != nil {
		return res, err
	}

	if tr != nil {
		report("Translating...")
		text, err := translation.TranslateParagraphs(ctx, tr, store.Full(), func(done, total int) {
			report(fmt.Sprintf("Translating paragraph %d/%d", done, total))
		})
		if err != nil {
			return res, err
		}
		res.TranslatedPath = utils.TrimExt(abs) + "_transcript_translated.txt"
		if err := os.WriteFile(res.TranslatedPath, []byte(text), 0o644); err != nil {
			return res, fmt.Errorf("failed to write translated transcript: %w", err)
		}
	}

	a.mu.Lock()
	a.last = &recording{store: store, startedAt: started, result: res}
	a.mu.Unlock()

	report("Transcription complete")
	slog.Info("file transcribed", "input", abs, "segments", store.Len(), "took", time.Since(started))
	return res, nil
}

func countSegments(store *transcript.Store) (ok, failed int64) {
	for _, seg := range store.Segments() {
		if seg.Failed {
			failed++
		} else {
			ok++
		}
	}
	return ok, failed
}

func archiveStore(ar *transcript.Archive, id, path string, started time.Time, store *transcript.Store) {
	if err := ar.StartSession(id, path, started); err != nil {
		slog.Warn("failed to archive session", "error", err)
		return
	}
	for _, seg := range store.Segments() {
		if err := ar.SaveSegment(id, seg); err != nil {
			slog.Warn("failed to archive segment", "chunk", seg.ChunkNumber, "error", err)
		}
	}
	if err := ar.FinishSession(id, time.Now()); err != nil {
		slog.Warn("failed to close archived session", "error", err)
	}
}
