package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/audio"
	"github.com/code-100-precent/LingTurn/pkg/session"
	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// helloTimeout bounds how long a fresh connection may stay silent before
// the handshake is abandoned.
const helloTimeout = 10 * time.Second

// maxReadBytes caps any single inbound websocket message.
const maxReadBytes = 1 << 20

// defaultIdleTimeout is how long an established connection may go
// without any inbound message before it is torn down. A half-open
// client must not hold a registry slot forever.
const defaultIdleTimeout = 90 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler terminates websocket voice connections and bridges them onto
// sessions.
type Handler struct {
	registry    *session.Registry
	newSession  func(ctx context.Context, sink session.Sink) *session.Session
	writerCfg   WriterConfig
	sampleRate  int
	idleTimeout time.Duration
	logger      *zap.Logger
}

// NewHandler builds the voice stream handler. newSession constructs a
// fully wired session around the given sink; the handler owns admission,
// the handshake and the read loop. idleTimeout bounds inbound silence
// after the handshake, zero means the default.
func NewHandler(registry *session.Registry, newSession func(ctx context.Context, sink session.Sink) *session.Session, writerCfg WriterConfig, sampleRate int, idleTimeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Handler{
		registry:    registry,
		newSession:  newSession,
		writerCfg:   writerCfg,
		sampleRate:  sampleRate,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// HandleStream upgrades the request and runs the connection to
// completion.
func (h *Handler) HandleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxReadBytes)

	hello, err := h.awaitHello(conn)
	if err != nil {
		h.logger.Warn("handshake failed", zap.Error(err))
		return
	}

	ctx := c.Request.Context()
	writer := NewWriter(ctx, conn, h.writerCfg, h.logger)
	defer writer.Close()

	sess := h.newSession(ctx, writer)
	if err := h.registry.Add(sess); err != nil {
		_ = writer.SendError(string(voiceerr.KindOf(err)), err.Error(), true)
		// Give the writer a moment to drain the rejection before the
		// deferred close tears the connection down.
		time.Sleep(100 * time.Millisecond)
		sess.Close()
		return
	}
	defer func() {
		h.registry.Remove(sess.ID)
		sess.Close()
	}()

	frameDurMs := int(h.writerCfg.FrameDuration / time.Millisecond)
	if hello.AudioParams != nil && hello.AudioParams.FrameDuration > 0 {
		frameDurMs = hello.AudioParams.FrameDuration
	}
	if err := writer.SendHello(sess.ID, h.sampleRate, 1, frameDurMs); err != nil {
		return
	}
	h.logger.Info("voice stream established",
		zap.String("session_id", sess.ID),
		zap.String("remote", conn.RemoteAddr().String()))

	h.readLoop(conn, sess, writer)
}

// awaitHello reads until the client's hello control message arrives.
func (h *Handler) awaitHello(conn *websocket.Conn) (*inboundMessage, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			// Audio before the handshake is discarded.
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, voiceerr.Wrap(voiceerr.KindUnknown, "malformed hello", err)
		}
		if msg.Type != MessageTypeHello {
			continue
		}
		return &msg, nil
	}
}

// readLoop pumps inbound messages until the client disconnects, goes
// silent past the idle timeout or ends the session. The deadline is
// refreshed on every inbound message.
func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session, writer *Writer) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Info("connection closed",
					zap.String("session_id", sess.ID))
			} else if errors.As(err, &ne) && ne.Timeout() {
				h.logger.Info("connection idle, closing",
					zap.String("session_id", sess.ID),
					zap.Duration("idle_timeout", h.idleTimeout))
			} else {
				h.logger.Warn("read failed",
					zap.String("session_id", sess.ID), zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			h.handleAudio(data, sess, writer)
		case websocket.TextMessage:
			if done := h.handleControl(data, sess, writer); done {
				return
			}
		}
	}
}

// handleAudio strips the sequence prefix and feeds the PCM frame to the
// session.
func (h *Handler) handleAudio(data []byte, sess *session.Session, writer *Writer) {
	if len(data) < seqHeaderLen {
		_ = writer.SendError(string(voiceerr.KindAudioDecode),
			"binary frame shorter than sequence header", false)
		return
	}
	seq := binary.BigEndian.Uint64(data[:seqHeaderLen])
	frame, err := audio.NewFrame(data[seqHeaderLen:], seq)
	if err != nil {
		_ = writer.SendError(string(voiceerr.KindOf(err)), err.Error(), false)
		return
	}
	sess.PushFrame(frame)
}

// handleControl dispatches one inbound control message. It reports true
// when the session should end.
func (h *Handler) handleControl(data []byte, sess *session.Session, writer *Writer) bool {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("malformed control message",
			zap.String("session_id", sess.ID), zap.Error(err))
		return false
	}

	switch msg.Type {
	case MessageTypeAbort:
		if !sess.Abort() {
			h.logger.Debug("abort with no task in flight",
				zap.String("session_id", sess.ID))
		}
	case MessageTypePing:
		_ = writer.SendPong(sess.ID)
	case MessageTypeEnd:
		h.logger.Info("client ended session",
			zap.String("session_id", sess.ID))
		return true
	case MessageTypeHello:
		// Duplicate hello after the handshake is ignored.
	default:
		h.logger.Warn("unhandled control message",
			zap.String("session_id", sess.ID),
			zap.String("type", msg.Type))
	}
	return false
}
