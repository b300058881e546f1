package translation

import (
	"context"
	"log/slog"
	"sync"

	"scribe/internal/metrics"
	"scribe/internal/transcript"
)

// Overlay translates every segment added to a store and records the result
// with Store.SetTranslation. Failed segments are skipped.
type Overlay struct {
	translator Translator
	store      *transcript.Store
	metrics    *metrics.Metrics
	log        *slog.Logger

	wg sync.WaitGroup
}

func NewOverlay(t Translator, store *transcript.Store, m *metrics.Metrics) *Overlay {
	return &Overlay{translator: t, store: store, metrics: m, log: slog.Default()}
}

// Run consumes store notifications until ctx is done. Segments already
// queued at that point are still translated, and Run returns once every
// started translation has finished. Translations are not cancelled by ctx;
// the translator's own request timeout bounds them.
func (o *Overlay) Run(ctx context.Context) {
	events, unsubscribe := o.store.Subscribe(64)
	defer unsubscribe()
	defer o.wg.Wait()

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					o.handle(work, ev)
				default:
					return
				}
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handle(work, ev)
		}
	}
}

func (o *Overlay) handle(ctx context.Context, ev transcript.Event) {
	if ev.Kind != transcript.SegmentAdded || ev.Segment.Failed || ev.Segment.Text == "" {
		return
	}
	o.wg.Add(1)
	go o.translate(ctx, ev.Segment)
}

func (o *Overlay) translate(ctx context.Context, seg transcript.Segment) {
	defer o.wg.Done()

	text, err := o.translator.Translate(ctx, seg.Text)
	o.metrics.ObserveTranslation(err)
	if err != nil {
		o.log.Warn("segment translation failed", "chunk", seg.ChunkNumber, "error", err)
		return
	}
	o.store.SetTranslation(seg.ChunkNumber, text)
	o.log.Debug("segment translated", "chunk", seg.ChunkNumber, "chars", len(text))
}
