package proxy

import (
	"net/http/httputil"
	"sync"
)

type bufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte relay buffers.
func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b []byte) {
	// &b costs a small heap allocation; converting a slice to an interface can't avoid it.
	p.pool.Put(&b)
}
