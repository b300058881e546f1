// Package transcript collects transcribed chunks and renders them in time
// order.
package transcript

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingSuffix marks a segment whose translation has not arrived yet.
const PendingSuffix = " [Translation pending...]"

// Segment is the transcription of one chunk.
type Segment struct {
	ChunkNumber int           `json:"chunk_number"`
	StartTime   time.Duration `json:"start_time"`
	EndTime     time.Duration `json:"end_time"`
	Text        string        `json:"text"`
	Failed      bool          `json:"failed,omitempty"`
}

// EventKind tells subscribers what changed.
type EventKind int

const (
	SegmentAdded EventKind = iota
	TranslationSet
)

func (k EventKind) String() string {
	if k == TranslationSet {
		return "translation-set"
	}
	return "segment-added"
}

// Event is delivered to subscribers after each change.
type Event struct {
	Kind    EventKind
	Segment Segment
	// Translation is set for TranslationSet events.
	Translation string
}

// Store is an append-only, concurrency-safe collection of segments with a
// translation overlay keyed by chunk number. Segments may be added in any
// order; readers always see them sorted by start time.
type Store struct {
	mu           sync.RWMutex
	segments     []Segment
	translations map[int]string
	subs         []chan Event
}

func NewStore() *Store {
	return &Store{translations: make(map[int]string)}
}

// Add appends seg and notifies subscribers.
func (s *Store) Add(seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
	s.notify(Event{Kind: SegmentAdded, Segment: seg})
}

// SetTranslation records the translated text for a chunk.
func (s *Store) SetTranslation(chunkNumber int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translations[chunkNumber] = text
	seg, _ := s.find(chunkNumber)
	seg.ChunkNumber = chunkNumber
	s.notify(Event{Kind: TranslationSet, Segment: seg, Translation: text})
}

// Translation returns the translated text for a chunk, if any.
func (s *Store) Translation(chunkNumber int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.translations[chunkNumber]
	return t, ok
}

// Segment returns the segment for a chunk number.
func (s *Store) Segment(chunkNumber int) (Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.find(chunkNumber)
}

func (s *Store) find(chunkNumber int) (Segment, bool) {
	for _, seg := range s.segments {
		if seg.ChunkNumber == chunkNumber {
			return seg, true
		}
	}
	return Segment{}, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Segments returns a copy of all segments sorted by start time.
func (s *Store) Segments() []Segment {
	s.mu.RLock()
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

// Full renders the transcript in time order.
func (s *Store) Full() string {
	var sb strings.Builder
	for _, seg := range s.Segments() {
		writeSegment(&sb, seg, seg.Text)
	}
	return sb.String()
}

// Translated renders the translation overlay in time order. Segments
// without a translation show their original text with PendingSuffix.
func (s *Store) Translated() string {
	segs := s.Segments()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var sb strings.Builder
	for _, seg := range segs {
		text, ok := s.translations[seg.ChunkNumber]
		if !ok {
			text = seg.Text + PendingSuffix
		}
		writeSegment(&sb, seg, text)
	}
	return sb.String()
}

// Subscribe returns a channel receiving every subsequent change. Events are
// dropped for subscribers that fall more than buffer events behind. Call
// the returned function to unsubscribe.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	s.subs = append(s.subs[:len(s.subs):len(s.subs)], ch)
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			kept := make([]chan Event, 0, len(s.subs))
			for _, c := range s.subs {
				if c != ch {
					kept = append(kept, c)
				}
			}
			s.subs = kept
			close(ch)
		})
	}
}

// notify must be called with s.mu held so that no channel is closed by an
// unsubscribe while it is being sent to.
func (s *Store) notify(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func writeSegment(sb *strings.Builder, seg Segment, text string) {
	fmt.Fprintf(sb, "[%s - %s]\n%s\n\n", FormatTimestamp(seg.StartTime), FormatTimestamp(seg.EndTime), text)
}

// FormatTimestamp renders d as m:ss, or h:mm:ss from one hour on.
func FormatTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, sec := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
