package buffer

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(b *Buffer) []byte {
	out := make([]byte, b.Len())
	n, _ := b.Read(out)
	return out[:n]
}

func TestWriteRead(t *testing.T) {
	b := New(8)

	n, err := b.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, b.Len())

	out := make([]byte, 3)
	n, _ = b.Read(out)
	assert.Equal(t, "abc", string(out[:n]))
	assert.Equal(t, 1, b.Len())

	n, _ = b.Read(make([]byte, 10))
	assert.Equal(t, 1, n)

	n, _ = b.Read(make([]byte, 10))
	assert.Equal(t, 0, n, "empty buffer reads nothing")
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(8)
	var reported []int
	b.OnOverflow = func(d int) { reported = append(reported, d) }

	b.Write([]byte("012345"))
	b.Write([]byte("6789"))

	assert.Equal(t, []byte("23456789"), readAll(b))
	assert.Equal(t, int64(2), b.Dropped())
	assert.Equal(t, int64(10), b.Written())
	assert.Equal(t, []int{2}, reported)
}

func TestOversizedWriteKeepsNewest(t *testing.T) {
	b := New(4)
	b.Write([]byte("ab"))

	n, _ := b.Write([]byte("0123456789"))
	assert.Equal(t, 10, n, "write always reports the full length")
	assert.Equal(t, []byte("6789"), readAll(b))
	assert.Equal(t, int64(8), b.Dropped())
}

func TestWrapAround(t *testing.T) {
	b := New(5)
	out := make([]byte, 5)

	for i := 0; i < 20; i++ {
		b.Write([]byte{byte(i), byte(i + 100)})
		n, _ := b.Read(out)
		require.Equal(t, 2, n)
		assert.Equal(t, []byte{byte(i), byte(i + 100)}, out[:n])
	}
	assert.Equal(t, int64(0), b.Dropped())
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 64 * 1024
	b := New(total)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		chunk := bytes.Repeat([]byte{7}, 256)
		for i := 0; i < total/len(chunk); i++ {
			b.Write(chunk)
		}
	}()

	got := 0
	buf := make([]byte, 1000)
	for got < total {
		n, _ := b.Read(buf)
		for _, v := range buf[:n] {
			require.Equal(t, byte(7), v)
		}
		got += n
	}
	wg.Wait()

	assert.Equal(t, total, got)
	assert.Equal(t, int64(0), b.Dropped())
}
