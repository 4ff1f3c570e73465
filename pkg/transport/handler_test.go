package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/agent"
	"github.com/code-100-precent/LingTurn/pkg/pipeline"
	"github.com/code-100-precent/LingTurn/pkg/session"
	"github.com/code-100-precent/LingTurn/pkg/turn"
	"github.com/code-100-precent/LingTurn/pkg/vad"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubASR struct{ text string }

func (s *stubASR) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	return s.text, nil
}

type stubAgent struct{ answer string }

func (s *stubAgent) Generate(ctx context.Context, transcript string, history []agent.Exchange) (string, error) {
	return s.answer, nil
}

type stubTTS struct{ chunks int }

func (s *stubTTS) Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error {
	for i := 0; i < s.chunks; i++ {
		if err := emit([]byte{byte(i), byte(i)}); err != nil {
			return err
		}
	}
	return nil
}

func startStreamServer(t *testing.T, maxSessions int, idleTimeout time.Duration) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := session.NewRegistry(maxSessions, nil, zap.NewNop())
	coord := pipeline.NewCoordinator(
		&stubASR{text: "hello orchestrator"},
		&stubAgent{answer: "hello user"},
		&stubTTS{chunks: 3},
		pipeline.DefaultConfig(),
		zap.NewNop(),
	)
	sessionCfg := session.Config{
		HistoryLimit: 4,
		Vad: vad.Config{
			SpeechThreshold: 500,
			MinSpeechRun:    2,
			SilenceTimeout:  100 * time.Millisecond,
			EnergyWindow:    1,
			SampleRate:      16000,
		},
		Turn: turn.Config{
			MinTurnDuration: 40 * time.Millisecond,
			PreRollFrames:   3,
			MaxTurnBytes:    1 << 20,
			SampleRate:      16000,
		},
	}
	newSession := func(ctx context.Context, sink session.Sink) *session.Session {
		return session.New(ctx, sink, coord, sessionCfg, nil, zap.NewNop())
	}
	h := NewHandler(registry, newSession, WriterConfig{
		QueueDepth:      32,
		FrameDuration:   time.Millisecond,
		PreBufferFrames: 16,
	}, 16000, idleTimeout, zap.NewNop())

	engine := gin.New()
	engine.GET("/voice/stream", h.HandleStream)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/voice/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendHello(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": MessageTypeHello}))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendFrame(t *testing.T, conn *websocket.Conn, seq uint64, pcm []byte) {
	t.Helper()
	framed := make([]byte, seqHeaderLen+len(pcm))
	binary.BigEndian.PutUint64(framed[:seqHeaderLen], seq)
	copy(framed[seqHeaderLen:], pcm)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, framed))
}

func tonePCM(amplitude float64) []byte {
	samples := 16000 / 50 // 20 ms
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		ts := float64(i) / 16000
		sample := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*ts))
		data[i*2] = byte(sample & 0xFF)
		data[i*2+1] = byte((sample >> 8) & 0xFF)
	}
	return data
}

func TestHandler_HandshakeAndFullExchange(t *testing.T) {
	srv := startStreamServer(t, 4, 0)
	conn := dialStream(t, srv)

	welcome := sendHello(t, conn)
	assert.Equal(t, EventTypeHello, welcome["type"])
	assert.NotEmpty(t, welcome["session_id"])
	params := welcome["audio_params"].(map[string]interface{})
	assert.Equal(t, float64(16000), params["sample_rate"])

	// One spoken turn: tone frames then silence past the timeout.
	seq := uint64(0)
	for i := 0; i < 6; i++ {
		sendFrame(t, conn, seq, tonePCM(0.5))
		seq++
	}
	silence := make([]byte, 16000/50*2)
	for i := 0; i < 10; i++ {
		sendFrame(t, conn, seq, silence)
		seq++
	}

	var sawTranscription, sawComplete bool
	chunkCount := 0
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !sawComplete {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			chunkCount++
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		switch msg["type"] {
		case EventTypeTranscription:
			sawTranscription = true
			assert.Equal(t, "hello orchestrator", msg["text"])
		case EventTypeResponseComplete:
			sawComplete = true
		case EventTypeError:
			t.Fatalf("unexpected error event: %v", msg)
		}
	}
	assert.True(t, sawTranscription)

	// Text and binary travel on separate write loops, so the completion
	// notice can overtake the last audio chunk; drain briefly.
	for chunkCount < 3 {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		mt, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt == websocket.BinaryMessage {
			chunkCount++
		}
	}
	assert.Equal(t, 3, chunkCount)
}

func TestHandler_PingPong(t *testing.T) {
	srv := startStreamServer(t, 4, 0)
	conn := dialStream(t, srv)
	sendHello(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": MessageTypePing}))
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if mt != websocket.TextMessage {
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == EventTypePong {
			assert.NotEmpty(t, msg["session_id"])
			return
		}
	}
}

func TestHandler_CapacityRejection(t *testing.T) {
	srv := startStreamServer(t, 1, 0)

	first := dialStream(t, srv)
	sendHello(t, first)

	second := dialStream(t, srv)
	reply := sendHello(t, second)
	require.Equal(t, EventTypeError, reply["type"])
	assert.Equal(t, "capacity_exceeded", reply["kind"])
	assert.Equal(t, true, reply["fatal"])
}

func TestHandler_EndSessionClosesConnection(t *testing.T) {
	srv := startStreamServer(t, 4, 0)
	conn := dialStream(t, srv)
	sendHello(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": MessageTypeEnd}))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
	}
}

func TestHandler_IdleClientDisconnected(t *testing.T) {
	srv := startStreamServer(t, 1, 300*time.Millisecond)

	conn := dialStream(t, srv)
	sendHello(t, conn)

	// Send nothing. The server must drop the half-open connection once
	// the idle timeout passes.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}

	// The registry slot was released: a fresh connection is admitted
	// despite the capacity of one.
	second := dialStream(t, srv)
	reply := sendHello(t, second)
	assert.Equal(t, EventTypeHello, reply["type"])
}
