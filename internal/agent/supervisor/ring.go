package supervisor

import (
	"strings"
	"sync"
)

// ringBuffer keeps a bounded FIFO of stderr chunks so a chatty subprocess
// cannot grow memory without bound.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int
	size     int
	chunks   []string
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
}

// String returns the buffered tail as one string.
func (b *ringBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.chunks, "")
}
