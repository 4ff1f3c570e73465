package audio

import (
	"time"
)

// FrameBuffer accumulates a turn's PCM frames in arrival order. It owns no
// policy: callers decide when to reset or hand the payload off. When the
// configured byte cap is reached further frames are dropped, never
// reordered or partially written.
type FrameBuffer struct {
	data       []byte
	maxBytes   int
	frames     int
	dropped    int
	firstSeq   uint64
	lastSeq    uint64
	sampleRate int
}

// NewFrameBuffer creates a buffer capped at maxBytes of PCM.
// maxBytes <= 0 means 1 MiB, roughly 32 seconds at 16 kHz mono.
func NewFrameBuffer(maxBytes, sampleRate int) *FrameBuffer {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &FrameBuffer{
		data:       make([]byte, 0, 16*1024),
		maxBytes:   maxBytes,
		sampleRate: sampleRate,
	}
}

// Append adds a frame's samples. Returns false when the frame was dropped
// because the cap would be exceeded.
func (b *FrameBuffer) Append(f *Frame) bool {
	if len(b.data)+len(f.Data) > b.maxBytes {
		b.dropped++
		return false
	}
	if b.frames == 0 {
		b.firstSeq = f.Seq
	}
	b.lastSeq = f.Seq
	b.data = append(b.data, f.Data...)
	b.frames++
	return true
}

// Bytes returns a copy of the accumulated PCM payload.
func (b *FrameBuffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Duration returns the buffered audio duration.
func (b *FrameBuffer) Duration() time.Duration {
	samples := len(b.data) / 2
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Len returns the buffered byte count.
func (b *FrameBuffer) Len() int { return len(b.data) }

// Frames returns the number of appended frames.
func (b *FrameBuffer) Frames() int { return b.frames }

// Dropped returns the number of frames dropped on overflow.
func (b *FrameBuffer) Dropped() int { return b.dropped }

// FirstSeq returns the sequence number of the first buffered frame.
func (b *FrameBuffer) FirstSeq() uint64 { return b.firstSeq }

// LastSeq returns the sequence number of the last buffered frame.
func (b *FrameBuffer) LastSeq() uint64 { return b.lastSeq }

// Reset drops all buffered audio but keeps the allocation.
func (b *FrameBuffer) Reset() {
	b.data = b.data[:0]
	b.frames = 0
	b.dropped = 0
	b.firstSeq = 0
	b.lastSeq = 0
}
