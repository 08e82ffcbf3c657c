package bufpool

import (
	"sync"
	"testing"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	p := NewPool(1024)
	b := p.Get()
	if len(b) != 0 {
		t.Errorf("len = %d, want 0", len(b))
	}
	if cap(b) != 1024 {
		t.Errorf("cap = %d, want 1024", cap(b))
	}
}

func TestDefaultSize(t *testing.T) {
	p := NewPool(0)
	if p.BufferSize() != DefaultBufferSize {
		t.Errorf("BufferSize = %d, want %d", p.BufferSize(), DefaultBufferSize)
	}
	b := p.Get()
	if cap(b) != DefaultBufferSize {
		t.Errorf("cap = %d, want %d", cap(b), DefaultBufferSize)
	}
}

func TestPutDropsOversizedBuffer(t *testing.T) {
	p := NewPool(64)
	b := p.Get()
	// Grow past the pool capacity; the pool must not retain it.
	b = append(b, make([]byte, 1024)...)
	p.Put(b)

	got := p.Get()
	if cap(got) != 64 {
		t.Errorf("cap after oversized Put = %d, want 64", cap(got))
	}
}

func TestConcurrentBorrowReturn(t *testing.T) {
	p := NewPool(256)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				b := p.Get()
				b = append(b, "data"...)
				p.Put(b)
			}
		}()
	}
	wg.Wait()
}
