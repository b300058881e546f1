// Package dispatch hands finished chunks to the transcription worker.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"scribe/internal/segmenter"
)

var ErrQueueClosed = errors.New("dispatch queue closed")

// Queue is a FIFO of chunks awaiting transcription. Dequeue never blocks for
// long: it returns ok=false when nothing is available.
type Queue interface {
	Enqueue(ctx context.Context, chunk segmenter.ChunkToProcess) error
	Dequeue(ctx context.Context) (chunk segmenter.ChunkToProcess, ok bool, err error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []segmenter.ChunkToProcess
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, chunk segmenter.ChunkToProcess) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, chunk)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (segmenter.ChunkToProcess, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return segmenter.ChunkToProcess{}, false, nil
	}
	chunk := q.items[0]
	q.items[0] = segmenter.ChunkToProcess{}
	q.items = q.items[1:]
	return chunk, true, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close rejects further enqueues. Queued chunks can still be dequeued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
