// File: pool/bytepool.go
// Package pool provides byte-buffer reuse for the frame encode path.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync"

// BytePool hands out fixed-capacity byte slices backed by sync.Pool.
// Callers truncate to zero length and return buffers when done.
type BytePool struct {
	p    sync.Pool
	size int
}

// NewBytePool creates a pool of buffers with the given capacity.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.p.New = func() any {
		b := make([]byte, 0, size)
		return &b
	}
	return bp
}

// GetBuffer returns an empty buffer with at least the pool capacity.
func (b *BytePool) GetBuffer() []byte {
	return (*b.p.Get().(*[]byte))[:0]
}

// PutBuffer returns a buffer to the pool. Buffers smaller than the pool
// capacity, or more than four times larger, are dropped so the pool
// does not pin large slabs.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) < b.size || cap(buf) > 4*b.size {
		return
	}
	buf = buf[:0]
	b.p.Put(&buf)
}
