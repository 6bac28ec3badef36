package domain

import (
	"errors"

	"github.com/oxtoacart/bpool"
)

var ErrBufferFull = errors.New("buffer full")

// Buffer is a fixed-capacity byte queue backed by a pooled slice. Bytes are
// appended at the tail (Tail+Commit or Append) and consumed from the head
// (Bytes+Drain).
type Buffer struct {
	pool *bpool.BytePool
	buf  []byte
	r, w int
}

func NewBuffer(pool *bpool.BytePool) *Buffer {
	return &Buffer{pool: pool, buf: pool.Get()}
}

func (b *Buffer) Len() int { return b.w - b.r }

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Free() int { return len(b.buf) - b.Len() }

func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Tail returns the writable region. Its length is always Free().
func (b *Buffer) Tail() []byte {
	if b.r > 0 {
		n := copy(b.buf, b.buf[b.r:b.w])
		b.r, b.w = 0, n
	}
	return b.buf[b.w:]
}

func (b *Buffer) Commit(n int) error {
	if n < 0 || n > len(b.buf)-b.w {
		return ErrBufferFull
	}
	b.w += n
	return nil
}

func (b *Buffer) Append(p []byte) error {
	if len(p) > b.Free() {
		return ErrBufferFull
	}
	n := copy(b.Tail(), p)
	b.w += n
	return nil
}

func (b *Buffer) Drain(n int) {
	if n >= b.Len() {
		b.Reset()
		return
	}
	b.r += n
}

func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Release hands the backing slice back to the pool. The buffer is unusable
// afterwards.
func (b *Buffer) Release() {
	if b.buf == nil {
		return
	}
	b.pool.Put(b.buf)
	b.buf = nil
	b.r, b.w = 0, 0
}
