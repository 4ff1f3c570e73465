// Package session ties one client's audio stream to the VAD, the turn
// state machine and the response pipeline, and enforces the session's
// core invariant: at most one pipeline task in flight at a time.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/agent"
	"github.com/code-100-precent/LingTurn/pkg/audio"
	"github.com/code-100-precent/LingTurn/pkg/events"
	"github.com/code-100-precent/LingTurn/pkg/metrics"
	"github.com/code-100-precent/LingTurn/pkg/pipeline"
	"github.com/code-100-precent/LingTurn/pkg/turn"
	"github.com/code-100-precent/LingTurn/pkg/vad"
	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// frameQueueDepth bounds the ingest queue between the socket read loop
// and the classification loop. At 60 ms frames this is ~15 s of audio.
const frameQueueDepth = 256

// Config tunes one session.
type Config struct {
	// HistoryLimit bounds the conversational exchanges carried into the
	// agent stage. Oldest exchanges are dropped first.
	HistoryLimit int `env:"HISTORY_LIMIT"`
	Vad          vad.Config
	Turn         turn.Config
}

// Session owns the per-connection state. Frames flow in strictly
// arrival order through a single ingest goroutine; pipeline events flow
// back through a single consumer goroutine per task.
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg      Config
	sink     Sink
	detector *vad.Detector
	machine  *turn.Machine
	coord    *pipeline.Coordinator
	bus      *events.Bus
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames  chan *audio.Frame
	dropped atomic.Int64

	// task holds the single in-flight pipeline task, nil when idle. The
	// consumer goroutine clears it with CompareAndSwap so a freshly
	// dispatched successor is never wiped by its predecessor's teardown.
	task atomic.Pointer[pipeline.Task]

	// forwardMu serializes chunk forwarding against interruption so the
	// interrupted notice is never followed by a stale chunk.
	forwardMu sync.Mutex

	histMu         sync.Mutex
	history        []agent.Exchange
	lastTranscript string

	closeOnce sync.Once

	turnsDispatched atomic.Int64
	turnsDiscarded  atomic.Int64
	interruptions   atomic.Int64
}

// New creates a session and starts its ingest loop.
func New(ctx context.Context, sink Sink, coord *pipeline.Coordinator, cfg Config, bus *events.Bus, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 8
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		cfg:       cfg,
		sink:      sink,
		coord:     coord,
		bus:       bus,
		ctx:       sctx,
		cancel:    cancel,
		frames:    make(chan *audio.Frame, frameQueueDepth),
	}
	s.logger = logger.With(zap.String("session_id", s.ID))
	s.detector = vad.NewDetector(cfg.Vad, s.logger)
	s.machine = turn.NewMachine(cfg.Turn, turn.Hooks{
		OnTurnReady:     s.dispatch,
		OnTurnDiscarded: s.discard,
		OnInterrupt:     func() { s.Interrupt() },
	}, s.logger)

	s.wg.Add(1)
	go s.ingestLoop()
	return s
}

// State returns the machine state name for stats reporting.
func (s *Session) State() string {
	return s.machine.State().String()
}

// PushFrame hands one inbound audio frame to the session. It never
// blocks the caller: when the ingest queue is full the frame is dropped,
// which for live audio beats stalling the socket read loop.
func (s *Session) PushFrame(frame *audio.Frame) {
	select {
	case <-s.ctx.Done():
	case s.frames <- frame:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			s.logger.Warn("ingest queue full, dropping frame",
				zap.Uint64("seq", frame.Seq),
				zap.Int64("dropped_total", n))
		}
	}
}

// ingestLoop classifies frames in arrival order and advances the turn
// machine. It is the only goroutine that touches the detector.
func (s *Session) ingestLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			dec, err := s.detector.Classify(frame)
			if err != nil {
				// Corrupt PCM skips the frame, never kills the session.
				s.logger.Warn("frame classification failed",
					zap.Uint64("seq", frame.Seq), zap.Error(err))
				_ = s.sink.SendError(string(voiceerr.KindAudioDecode), err.Error(), false)
				continue
			}
			s.machine.Feed(frame, dec)
		}
	}
}

// dispatch starts the pipeline for a finalized turn. Runs on the ingest
// goroutine via the machine's OnTurnReady hook, so it must not block;
// Run returns immediately and the stages execute on the task goroutine.
func (s *Session) dispatch(t *turn.Turn) {
	task := s.coord.Run(s.ctx, t.Audio.Bytes(), s.historySnapshot())

	// A predecessor still vacating after its cancel is displaced, not
	// waited for. Its own consumer tears it down. When the swap itself
	// is what cancels it, undelivered audio is flushed so none of the
	// superseded answer trails into the new exchange.
	if old := s.task.Swap(task); old != nil {
		s.forwardMu.Lock()
		if old.Cancel() {
			s.sink.FlushAudio()
		}
		s.forwardMu.Unlock()
	}

	s.turnsDispatched.Add(1)
	metrics.TurnsDispatched.Inc()
	s.bus.Emit(events.TypeTurnDispatched, s.ID, map[string]interface{}{
		"task_id":  task.ID,
		"duration": t.Duration().String(),
	})
	s.logger.Info("turn dispatched",
		zap.String("task_id", task.ID),
		zap.Duration("turn_duration", t.Duration()),
		zap.Duration("voiced", t.Voiced))

	s.wg.Add(1)
	go s.consume(task)
}

func (s *Session) discard(t *turn.Turn) {
	s.turnsDiscarded.Add(1)
	metrics.TurnsDiscarded.Inc()
	s.bus.Emit(events.TypeTurnDiscarded, s.ID, map[string]interface{}{
		"duration": t.Duration().String(),
	})
}

// consume forwards one task's events to the sink until the terminal
// event, then returns the machine to idle and clears the task slot.
func (s *Session) consume(task *pipeline.Task) {
	defer s.wg.Done()
	log := s.logger.With(zap.String("task_id", task.ID))

	for ev := range task.Events() {
		switch ev.Type {
		case pipeline.EventTranscription:
			s.machine.OnPipelineOutput()
			s.setLastTranscript(ev.Text)
			if err := s.sink.SendTranscription(ev.Text); err != nil {
				task.Cancel()
			}

		case pipeline.EventResponseChunk:
			// A cancelled task's queued chunks are stale output; the
			// interruption notice must never be followed by one.
			s.forwardMu.Lock()
			if task.Cancelled() {
				s.forwardMu.Unlock()
				continue
			}
			s.machine.OnPipelineOutput()
			err := s.sink.SendResponseChunk(ev.Chunk, ev.Index)
			s.forwardMu.Unlock()
			if err != nil {
				task.Cancel()
			}

		case pipeline.EventComplete:
			s.appendHistory(ev.Text)
			_ = s.sink.SendResponseComplete()
			log.Info("response complete")

		case pipeline.EventCancelled:
			log.Debug("task cancelled")

		case pipeline.EventTranscriptionFailed,
			pipeline.EventGenerationFailed,
			pipeline.EventSynthesisFailed:
			kind := voiceerr.KindUnknown
			msg := string(ev.Type)
			if ev.Err != nil {
				kind = ev.Err.Kind
				msg = ev.Err.Message
			}
			log.Warn("pipeline task failed",
				zap.String("event", string(ev.Type)),
				zap.String("kind", string(kind)))
			_ = s.sink.SendError(string(kind), msg, false)
		}
	}

	s.machine.OnPipelineDone()
	s.task.CompareAndSwap(task, nil)
}

// Interrupt cancels the in-flight task, flushes undelivered audio and
// notifies the client. It reports false when there was nothing to
// interrupt or the task had already finished (a cancellation race).
func (s *Session) Interrupt() bool {
	task := s.task.Load()
	if task == nil {
		return false
	}
	s.forwardMu.Lock()
	cancelled := task.Cancel()
	if cancelled {
		s.sink.FlushAudio()
		_ = s.sink.SendInterrupted()
	}
	s.forwardMu.Unlock()
	if !cancelled {
		s.logger.Debug("interrupt lost cancellation race",
			zap.String("task_id", task.ID),
			zap.String("kind", string(voiceerr.KindCancellationRace)))
		return false
	}
	s.interruptions.Add(1)
	metrics.Interruptions.Inc()
	s.bus.Emit(events.TypeSessionInterrupted, s.ID, map[string]interface{}{
		"task_id": task.ID,
	})
	s.logger.Info("response interrupted", zap.String("task_id", task.ID))
	return true
}

// Abort is the client-initiated equivalent of a voice interruption.
func (s *Session) Abort() bool {
	return s.Interrupt()
}

// Close tears the session down: the machine stops accepting frames, the
// in-flight task is cancelled, and all session goroutines are joined.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.machine.Close()
		if task := s.task.Load(); task != nil {
			task.Cancel()
		}
		s.cancel()
		s.wg.Wait()
		s.logger.Info("session closed",
			zap.Int64("turns_dispatched", s.turnsDispatched.Load()),
			zap.Int64("turns_discarded", s.turnsDiscarded.Load()),
			zap.Int64("interruptions", s.interruptions.Load()),
			zap.Int64("frames_dropped", s.dropped.Load()))
	})
}

func (s *Session) setLastTranscript(text string) {
	s.histMu.Lock()
	s.lastTranscript = text
	s.histMu.Unlock()
}

// appendHistory records a completed exchange, trimming to the limit.
func (s *Session) appendHistory(answer string) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, agent.Exchange{
		UserText:  s.lastTranscript,
		AgentText: answer,
	})
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Session) historySnapshot() []agent.Exchange {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return append([]agent.Exchange(nil), s.history...)
}

// Stats is the per-session view exposed on the stats endpoint.
type Stats struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	TurnsDispatched int64     `json:"turns_dispatched"`
	TurnsDiscarded  int64     `json:"turns_discarded"`
	Interruptions   int64     `json:"interruptions"`
	FramesDropped   int64     `json:"frames_dropped"`
}

// Stats snapshots the session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:              s.ID,
		State:           s.State(),
		CreatedAt:       s.CreatedAt,
		TurnsDispatched: s.turnsDispatched.Load(),
		TurnsDiscarded:  s.turnsDiscarded.Load(),
		Interruptions:   s.interruptions.Load(),
		FramesDropped:   s.dropped.Load(),
	}
}
