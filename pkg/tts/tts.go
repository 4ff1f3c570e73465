// Package tts defines the synthesis collaborator boundary. Voice quality
// is the service's concern; the orchestrator only requires that audio
// arrives as a stream of chunks the moment each is ready.
package tts

import (
	"context"
)

// Service synthesizes text into streamed PCM audio. emit is called once
// per chunk in synthesis order; returning an error from emit aborts the
// stream. Implementations must honor ctx cancellation promptly and never
// buffer the whole synthesis before the first emit — first-chunk latency
// is a primary design goal of the callers.
type Service interface {
	Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error
}
