package session

// Sink is the session's outbound edge. The websocket transport
// implements it; tests substitute an in-memory recorder. All methods
// may be called from the session's ingest and consumer goroutines.
type Sink interface {
	// SendTranscription delivers the recognized text of a finalized turn.
	SendTranscription(text string) error
	// SendResponseChunk delivers one synthesized audio chunk. Index is
	// the chunk's position within the current response, starting at 0.
	SendResponseChunk(chunk []byte, index int) error
	// SendResponseComplete marks the end of a fully delivered response.
	SendResponseComplete() error
	// SendInterrupted tells the client the in-flight response was cut off.
	SendInterrupted() error
	// SendError delivers a classified failure without closing the session
	// unless fatal is set.
	SendError(kind, message string, fatal bool) error
	// FlushAudio discards response audio that is queued but not yet
	// delivered. Called on interruption before SendInterrupted, so no
	// stale chunk follows the interruption notice.
	FlushAudio()
}
