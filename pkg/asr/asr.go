// Package asr defines the transcription collaborator boundary. The
// orchestrator treats speech recognition as an opaque audio-to-text
// service reachable through this narrow contract; engine internals live
// behind it.
package asr

import (
	"context"
)

// Service transcribes a finalized turn's PCM audio. Implementations must
// honor ctx cancellation promptly and map their failures onto the
// voiceerr kinds asr_timeout / asr_unavailable.
type Service interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}
