package transcript

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(n int, text string, from, to int) Segment {
	return Segment{
		ChunkNumber: n,
		StartTime:   time.Duration(from) * time.Second,
		EndTime:     time.Duration(to) * time.Second,
		Text:        text,
	}
}

func TestStoreRendersInTimeOrder(t *testing.T) {
	s := NewStore()
	s.Add(seg(0, "A", 0, 10))
	s.Add(seg(2, "C", 20, 30))
	s.Add(seg(1, "B", 10, 20))

	assert.Equal(t, "[0:00 - 0:10]\nA\n\n[0:10 - 0:20]\nB\n\n[0:20 - 0:30]\nC\n\n", s.Full())

	var texts []string
	for _, sg := range s.Segments() {
		texts = append(texts, sg.Text)
	}
	assert.Equal(t, []string{"A", "B", "C"}, texts)
}

func TestStoreTranslated(t *testing.T) {
	s := NewStore()
	s.Add(seg(1, "Hallo", 30, 60))
	s.Add(seg(0, "Guten Morgen", 0, 30))
	s.SetTranslation(0, "Good morning")

	got, ok := s.Translation(0)
	assert.True(t, ok)
	assert.Equal(t, "Good morning", got)
	_, ok = s.Translation(1)
	assert.False(t, ok)

	want := "[0:00 - 0:30]\nGood morning\n\n" +
		"[0:30 - 1:00]\nHallo [Translation pending...]\n\n"
	assert.Equal(t, want, s.Translated())
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{5 * time.Second, "0:05"},
		{65 * time.Second, "1:05"},
		{59*time.Minute + 59*time.Second + 900*time.Millisecond, "59:59"},
		{time.Hour, "1:00:00"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2:03:04"},
		{-time.Second, "0:00"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTimestamp(tt.in))
		})
	}
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()
	events, unsubscribe := s.Subscribe(4)

	s.Add(seg(0, "A", 0, 30))
	s.SetTranslation(0, "a")

	ev := <-events
	assert.Equal(t, SegmentAdded, ev.Kind)
	assert.Equal(t, "A", ev.Segment.Text)

	ev = <-events
	assert.Equal(t, TranslationSet, ev.Kind)
	assert.Equal(t, 0, ev.Segment.ChunkNumber)
	assert.Equal(t, "a", ev.Translation)

	unsubscribe()
	unsubscribe()
	_, open := <-events
	assert.False(t, open)

	assert.NotPanics(t, func() { s.Add(seg(1, "B", 30, 60)) })
}

func TestStoreSlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore()
	_, unsubscribe := s.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Add(seg(i, "x", i, i+1))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Add blocked on a full subscriber")
	}
	assert.Equal(t, 100, s.Len())
}

func TestStoreConcurrentAdd(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Add(seg(n, "t", n*10, n*10+10))
			_ = s.Full()
		}(i)
	}
	wg.Wait()

	segs := s.Segments()
	require.Len(t, segs, 50)
	for i := 1; i < len(segs); i++ {
		assert.Less(t, segs[i-1].StartTime, segs[i].StartTime)
	}
	assert.Equal(t, 50, strings.Count(s.Full(), "\nt\n"))
}

func TestStoreUnsubscribeDuringAdd(t *testing.T) {
	s := NewStore()
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			s.Add(seg(i, "t", i, i+1))
			s.SetTranslation(i, "u")
		}
	}()
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 20000; i++ {
			_, cancel := s.Subscribe(1)
			cancel()
		}
	}()

	wg.Wait()
	assert.Positive(t, s.Len())
}
