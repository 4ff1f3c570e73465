package audio

import (
	"time"

	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
)

// Frame is one fixed-duration slice of 16-bit little-endian mono PCM,
// tagged with the session-scoped arrival sequence number. Frames are
// immutable once constructed; the ingestion path hands them to VAD and,
// while a turn is open, to the turn's accumulation buffer.
type Frame struct {
	Data       []byte
	Seq        uint64
	ReceivedAt time.Time
}

// NewFrame validates raw PCM bytes and wraps them in a Frame.
// An odd byte count means a truncated sample and is rejected as an
// audio decode error; an empty payload is a legal (silent) frame.
func NewFrame(data []byte, seq uint64) (*Frame, error) {
	if len(data)%2 != 0 {
		return nil, voiceerr.New(voiceerr.KindAudioDecode,
			"pcm payload has truncated sample (odd byte count)")
	}
	return &Frame{Data: data, Seq: seq, ReceivedAt: time.Now()}, nil
}

// Samples returns the number of 16-bit samples in the frame.
func (f *Frame) Samples() int {
	return len(f.Data) / 2
}

// Duration returns the frame's audio duration at the given sample rate.
func (f *Frame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(sampleRate)
}
