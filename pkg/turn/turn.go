package turn

import (
	"time"

	"github.com/code-100-precent/LingTurn/pkg/audio"
)

// Turn is one maximal span of user speech, bounded by silence on both
// sides, accumulated as PCM and handed to the pipeline as a unit.
type Turn struct {
	Audio     *audio.FrameBuffer
	StartedAt time.Time
	EndedAt   time.Time
	// Voiced is the accumulated duration of frames whose energy was above
	// threshold. The buffer itself also holds pre-roll and trailing
	// silence, so the noise gate uses Voiced, not buffer length.
	Voiced time.Duration
}

// Duration returns the buffered audio duration including surrounding
// silence.
func (t *Turn) Duration() time.Duration {
	return t.Audio.Duration()
}
