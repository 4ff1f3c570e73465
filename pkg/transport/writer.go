package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WriterConfig tunes the outbound side of a connection.
type WriterConfig struct {
	// QueueDepth bounds both outbound channels. A full binary channel
	// suspends the pipeline at its emission point (backpressure) instead
	// of dropping chunks.
	QueueDepth int
	// FrameDuration paces binary sends after the pre-buffer burst so the
	// client's jitter buffer neither starves nor floods.
	FrameDuration time.Duration
	// PreBufferFrames are sent immediately at the start of each response
	// before pacing engages.
	PreBufferFrames int
}

// Writer owns all writes to one websocket connection. Two goroutines
// drain the text and binary queues; ordering within each queue is
// preserved end to end. Audio chunks carry the per-task index in an
// 8-byte prefix so the client can detect drops.
type Writer struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu    sync.Mutex
	msgChan    chan []byte
	binaryChan chan outChunk
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once

	cfg WriterConfig

	paceMu    sync.Mutex
	paceCount int
	paceLast  time.Time

	// epoch fences stale audio: chunks queued before the last Flush are
	// discarded by the drain loop instead of reaching the wire.
	epoch int64
}

type outChunk struct {
	data  []byte
	epoch int64
}

// NewWriter starts the write loops for conn.
func NewWriter(ctx context.Context, conn *websocket.Conn, cfg WriterConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 60 * time.Millisecond
	}
	if cfg.PreBufferFrames <= 0 {
		cfg.PreBufferFrames = 5
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Writer{
		conn:       conn,
		logger:     logger,
		msgChan:    make(chan []byte, cfg.QueueDepth),
		binaryChan: make(chan outChunk, cfg.QueueDepth),
		ctx:        wctx,
		cancel:     cancel,
		cfg:        cfg,
	}
	w.wg.Add(2)
	go w.writeLoop()
	go w.writeBinaryLoop()
	return w
}

// Close stops both write loops and waits for them.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.msgChan:
			w.writeMu.Lock()
			err := w.conn.WriteMessage(websocket.TextMessage, msg)
			w.writeMu.Unlock()
			if err != nil {
				w.logWriteError(err)
				w.cancel()
				return
			}
		}
	}
}

func (w *Writer) writeBinaryLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case chunk := <-w.binaryChan:
			w.pace()
			w.writeMu.Lock()
			if chunk.epoch != w.currentEpoch() {
				// Flushed while queued or pacing; a stale answer's audio
				// never reaches the client. Checked under writeMu so a
				// concurrent flush fully fences this chunk out.
				w.writeMu.Unlock()
				continue
			}
			err := w.conn.WriteMessage(websocket.BinaryMessage, chunk.data)
			w.writeMu.Unlock()
			if err != nil {
				w.logWriteError(err)
				w.cancel()
				return
			}
		}
	}
}

// pace spaces binary sends to one frame duration after the pre-buffer
// burst, keyed off the last actual send to avoid cumulative drift.
func (w *Writer) pace() {
	w.paceMu.Lock()
	count := w.paceCount
	last := w.paceLast
	w.paceCount++
	w.paceMu.Unlock()

	if count >= w.cfg.PreBufferFrames && !last.IsZero() {
		if wait := time.Until(last.Add(w.cfg.FrameDuration)); wait > 0 {
			time.Sleep(wait)
		}
	}
	w.paceMu.Lock()
	w.paceLast = time.Now()
	w.paceMu.Unlock()
}

func (w *Writer) logWriteError(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure,
		websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		w.logger.Debug("websocket closed while writing", zap.Error(err))
	} else {
		w.logger.Error("websocket write failed", zap.Error(err))
	}
}

func (w *Writer) currentEpoch() int64 {
	w.paceMu.Lock()
	defer w.paceMu.Unlock()
	return w.epoch
}

// sendJSON queues one outbound event, blocking for backpressure.
func (w *Writer) sendJSON(data interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case w.msgChan <- message:
		return nil
	}
}

// SendHello acknowledges the handshake with the effective audio params.
func (w *Writer) SendHello(sessionID string, sampleRate, channels, frameDurationMs int) error {
	return w.sendJSON(map[string]interface{}{
		"type":       EventTypeHello,
		"session_id": sessionID,
		"audio_params": map[string]interface{}{
			"format":         "pcm",
			"sample_rate":    sampleRate,
			"channels":       channels,
			"frame_duration": frameDurationMs,
		},
	})
}

// SendTranscription delivers the recognized user text.
func (w *Writer) SendTranscription(text string) error {
	return w.sendJSON(map[string]interface{}{
		"type": EventTypeTranscription,
		"text": text,
	})
}

// SendResponseChunk queues one audio chunk, blocking when the bounded
// queue is full. The chunk index travels in an 8-byte big-endian prefix.
func (w *Writer) SendResponseChunk(chunk []byte, index int) error {
	framed := make([]byte, seqHeaderLen+len(chunk))
	binary.BigEndian.PutUint64(framed[:seqHeaderLen], uint64(index))
	copy(framed[seqHeaderLen:], chunk)
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case w.binaryChan <- outChunk{data: framed, epoch: w.currentEpoch()}:
		return nil
	}
}

// SendResponseComplete marks the end of one answer's audio.
func (w *Writer) SendResponseComplete() error {
	return w.sendJSON(map[string]interface{}{
		"type": EventTypeResponseComplete,
	})
}

// SendInterrupted notifies the client that the in-flight answer was cut
// off by user speech.
func (w *Writer) SendInterrupted() error {
	return w.sendJSON(map[string]interface{}{
		"type": EventTypeInterrupted,
	})
}

// SendError delivers a classified failure. The session stays alive
// unless fatal is set.
func (w *Writer) SendError(kind, message string, fatal bool) error {
	return w.sendJSON(map[string]interface{}{
		"type":    EventTypeError,
		"kind":    kind,
		"message": message,
		"fatal":   fatal,
	})
}

// SendPong answers a keepalive ping.
func (w *Writer) SendPong(sessionID string) error {
	return w.sendJSON(map[string]interface{}{
		"type":       EventTypePong,
		"session_id": sessionID,
	})
}

// FlushAudio discards all queued-but-undelivered audio and resets the
// pacing state. Chunks already handed to the websocket stay delivered;
// everything still queued is fenced off by the epoch bump. Taking
// writeMu waits out any write in flight, so once FlushAudio returns no
// pre-flush chunk can reach the wire.
func (w *Writer) FlushAudio() {
	w.writeMu.Lock()
	w.paceMu.Lock()
	w.epoch++
	w.paceCount = 0
	w.paceLast = time.Time{}
	w.paceMu.Unlock()
	w.writeMu.Unlock()

	for {
		select {
		case <-w.binaryChan:
		default:
			return
		}
	}
}

// PendingAudio reports queued-but-unsent audio chunks.
func (w *Writer) PendingAudio() int {
	return len(w.binaryChan)
}
