package pipeline

import (
	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
)

// EventType enumerates everything a pipeline task can report downstream.
type EventType string

const (
	// EventTranscription carries the recognized user text. It is always
	// the first event of a successful task.
	EventTranscription EventType = "transcription"
	// EventResponseChunk carries one synthesized audio chunk with its
	// per-task index.
	EventResponseChunk EventType = "response_chunk"
	// EventComplete ends a fully successful task.
	EventComplete EventType = "complete"
	// EventCancelled ends a task whose cancellation fired after output
	// had already been promised downstream.
	EventCancelled EventType = "cancelled"
	// EventTranscriptionFailed ends a task whose ASR stage failed; the
	// turn is dropped, never substituted with a fabricated transcript.
	EventTranscriptionFailed EventType = "transcription_failed"
	// EventGenerationFailed ends a task whose agent stage failed.
	EventGenerationFailed EventType = "generation_failed"
	// EventSynthesisFailed ends a task whose TTS stage failed; chunks
	// already delivered are not retracted.
	EventSynthesisFailed EventType = "synthesis_failed"
)

// Event is one element of a task's finite output sequence.
type Event struct {
	Type EventType
	// Text holds the transcript for EventTranscription, the full agent
	// answer for EventComplete.
	Text string
	// Chunk and Index are set for EventResponseChunk. Indices are
	// strictly increasing within one task, starting at 0.
	Chunk []byte
	Index int
	// Err is set for the three failure events.
	Err *voiceerr.Error
}

// Terminal reports whether the event ends the task's sequence.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventCancelled, EventTranscriptionFailed,
		EventGenerationFailed, EventSynthesisFailed:
		return true
	}
	return false
}
