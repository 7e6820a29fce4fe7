package cogops

import (
	"sync"
)

// Buffer pools for the compressed and decompressed bytes of COG tiles.

// tieredPool pools slices in a few fixed capacities. Requests beyond the
// largest tier are allocated directly and never pooled.
type tieredPool[T any] struct {
	sizes []int
	pools []sync.Pool
}

func newTieredPool[T any](sizes ...int) *tieredPool[T] {
	p := &tieredPool[T]{sizes: sizes, pools: make([]sync.Pool, len(sizes))}
	for i, n := range sizes {
		p.pools[i].New = func() any {
			buf := make([]T, n)
			return &buf
		}
	}
	return p
}

func (p *tieredPool[T]) get(size int) []T {
	for i, n := range p.sizes {
		if size <= n {
			return (*p.pools[i].Get().(*[]T))[:size]
		}
	}
	return make([]T, size)
}

func (p *tieredPool[T]) put(buf []T) {
	c := cap(buf)
	for i, n := range p.sizes {
		if c == n {
			buf = buf[:c]
			p.pools[i].Put(&buf)
			return
		}
	}
}

const (
	smallBufferSize  = 64 * 1024       // 64KB
	mediumBufferSize = 256 * 1024      // 256KB, a 256x256 RGBA tile
	largeBufferSize  = 1024 * 1024     // 1MB
	xlargeBufferSize = 4 * 1024 * 1024 // 4MB, a 512x512 float64 tile
)

var bufferPool = newTieredPool[byte](smallBufferSize, mediumBufferSize, largeBufferSize, xlargeBufferSize)

// GetBuffer returns a byte slice of length size. Its contents are undefined.
// Call PutBuffer when done to return it to the pool.
func GetBuffer(size int) []byte {
	return bufferPool.get(size)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool. The buffer
// must not be used afterwards.
func PutBuffer(buf []byte) {
	bufferPool.put(buf)
}
