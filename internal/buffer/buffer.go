package buffer

import "sync"

// Buffer is a bounded, thread-safe byte ring. Writers never block: when the
// buffer is full the oldest bytes are discarded to make room.
type Buffer struct {
	buf  []byte
	head int // absolute write position
	tail int // absolute read position
	size int
	mu   sync.Mutex

	written int64
	dropped int64

	// OnOverflow, if set, is called with the number of bytes discarded by a
	// write. It runs on the writer's goroutine and must not block.
	OnOverflow func(dropped int)
}

func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write appends p to the buffer, dropping the oldest data on overflow.
// It always reports len(p) as written.
func (b *Buffer) Write(p []byte) (int, error) {
	total := len(p)

	b.mu.Lock()
	n := total
	drop := 0
	if n > b.size {
		// only the newest size bytes can survive
		drop = n - b.size
		p = p[drop:]
		n = b.size
	}

	if free := b.size - (b.head - b.tail); free < n {
		b.tail += n - free
		drop += n - free
	}

	start := b.head % b.size
	c := copy(b.buf[start:], p)
	copy(b.buf, p[c:])
	b.head += n
	b.normalize()

	b.written += int64(total)
	b.dropped += int64(drop)
	hook := b.OnOverflow
	b.mu.Unlock()

	if drop > 0 && hook != nil {
		hook(drop)
	}
	return total, nil
}

// Read consumes up to len(p) bytes. It returns 0 when the buffer is empty.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dataLen := b.head - b.tail
	if dataLen <= 0 {
		return 0, nil
	}

	req := len(p)
	if req > dataLen {
		req = dataLen
	}

	start := b.tail % b.size
	c := copy(p[:req], b.buf[start:])
	copy(p[c:req], b.buf)
	b.tail += req
	b.normalize()
	return req, nil
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head - b.tail
}

func (b *Buffer) Size() int {
	return b.size
}

// Written returns the total number of bytes offered to Write.
func (b *Buffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Dropped returns the total number of bytes discarded on overflow.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// normalize keeps the absolute positions small.
func (b *Buffer) normalize() {
	if b.tail >= b.size {
		shift := b.tail - b.tail%b.size
		b.tail -= shift
		b.head -= shift
	}
}
