package playback

import "sync"

const DefaultCapacity = 300

// Frame is one decoded-ready image payload. Seq increases monotonically
// within a viewer session.
type Frame struct {
	Seq     uint64
	Payload []byte
}

// Buffer is a bounded FIFO of frames. When full, new frames are dropped
// rather than evicting old ones.
type Buffer struct {
	mu      sync.Mutex
	frames  []Frame
	head    int
	size    int
	dropped uint64
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{frames: make([]Frame, capacity)}
}

// Push appends f and reports whether it was accepted.
func (b *Buffer) Push(f Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == len(b.frames) {
		b.dropped++
		return false
	}
	b.frames[(b.head+b.size)%len(b.frames)] = f
	b.size++
	return true
}

// Pop removes and returns the oldest frame.
func (b *Buffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return Frame{}, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = Frame{}
	b.head = (b.head + 1) % len(b.frames)
	b.size--
	return f, true
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.frames {
		b.frames[i] = Frame{}
	}
	b.head = 0
	b.size = 0
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.frames)
}

// FillLevel returns Len/Cap as a percentage.
func (b *Buffer) FillLevel() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.size) / float64(len(b.frames)) * 100
}

// Dropped returns how many frames were rejected because the buffer was full.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
