package transport

// Wire protocol for the duplex voice channel. Inbound text messages are
// control signals; inbound binary messages are PCM audio frames prefixed
// with an 8-byte big-endian sequence number. Outbound text messages are
// orchestrator events; outbound binary messages are response audio
// chunks.

// Inbound control message types.
const (
	MessageTypeHello = "hello"
	MessageTypeAbort = "abort"
	MessageTypePing  = "ping"
	MessageTypeEnd   = "end_session"
)

// Outbound event types.
const (
	EventTypeHello            = "hello"
	EventTypeTranscription    = "transcription"
	EventTypeResponseChunk    = "response_chunk"
	EventTypeResponseComplete = "response_complete"
	EventTypeInterrupted      = "interrupted"
	EventTypeError            = "error"
	EventTypePong             = "pong"
)

// inboundMessage is the envelope of all inbound control messages.
type inboundMessage struct {
	Type        string       `json:"type"`
	AudioParams *audioParams `json:"audio_params,omitempty"`
}

// audioParams negotiates the PCM format during the hello handshake.
type audioParams struct {
	SampleRate    int `json:"sample_rate"`
	Channels      int `json:"channels"`
	FrameDuration int `json:"frame_duration"`
}

// seqHeaderLen is the length of the binary frame's sequence prefix.
const seqHeaderLen = 8
