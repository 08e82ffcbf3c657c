// Package bufpool provides borrow/return semantics for fixed-capacity
// byte buffers shared across connections.
//
// Unlike a bare sync.Pool, the pool enforces a capacity contract: buffers
// that were grown past the pool's buffer size are dropped on return instead
// of being retained, so one pathological connection cannot inflate the
// working set of every later borrower.
package bufpool

import "sync"

// DefaultBufferSize is the capacity of pooled buffers when NewPool is
// called with size <= 0.
const DefaultBufferSize = 8192

// Pool hands out byte buffers of a fixed capacity. It is safe for
// concurrent use by multiple reactor workers.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a pool of buffers with the given capacity.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, 0, size)
		return &b
	}
	return p
}

// BufferSize returns the capacity of buffers handed out by Get.
func (p *Pool) BufferSize() int { return p.size }

// Get borrows a zero-length buffer with the pool's capacity.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:0]
}

// Put returns a buffer to the pool. Buffers that were reallocated past the
// pool's capacity are dropped; holding on to them would defeat the
// fixed-capacity contract.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:0]
	p.pool.Put(&b)
}
