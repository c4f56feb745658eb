package audio

import (
	"errors"
	"sync"
)

// ErrBufferOverflow is returned when a frame would exceed the buffer limit
var ErrBufferOverflow = errors.New("frame buffer limit exceeded")

// FrameBuffer accumulates binary audio frames in arrival order and hands
// them back as one contiguous buffer. It is safe for concurrent use.
type FrameBuffer struct {
	frames   [][]byte
	size     int
	maxBytes int // 0 means unlimited
	mu       sync.Mutex
}

// NewFrameBuffer creates a frame buffer holding at most maxBytes bytes
func NewFrameBuffer(maxBytes int) *FrameBuffer {
	return &FrameBuffer{maxBytes: maxBytes}
}

// Append stores a copy of frame after all previously appended frames.
// On overflow nothing is stored.
func (fb *FrameBuffer) Append(frame []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.maxBytes > 0 && fb.size+len(frame) > fb.maxBytes {
		return ErrBufferOverflow
	}

	owned := make([]byte, len(frame))
	copy(owned, frame)
	fb.frames = append(fb.frames, owned)
	fb.size += len(frame)
	return nil
}

// Drain returns the concatenation of all frames and empties the buffer
func (fb *FrameBuffer) Drain() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	out := make([]byte, 0, fb.size)
	for _, frame := range fb.frames {
		out = append(out, frame...)
	}
	fb.frames = nil
	fb.size = 0
	return out
}

// Reset discards all buffered frames
func (fb *FrameBuffer) Reset() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.frames = nil
	fb.size = 0
}

// Len returns the number of buffered bytes
func (fb *FrameBuffer) Len() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.size
}

// Frames returns the number of buffered frames
func (fb *FrameBuffer) Frames() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.frames)
}

// IsEmpty returns true if the buffer is empty
func (fb *FrameBuffer) IsEmpty() bool {
	return fb.Len() == 0
}
