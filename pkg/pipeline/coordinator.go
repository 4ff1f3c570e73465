package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/agent"
	"github.com/code-100-precent/LingTurn/pkg/asr"
	"github.com/code-100-precent/LingTurn/pkg/metrics"
	"github.com/code-100-precent/LingTurn/pkg/tts"
	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	"go.uber.org/zap"
)

// Config tunes the per-turn pipeline.
type Config struct {
	// StageTimeout is the absolute per-stage budget. A stuck collaborator
	// surfaces as that stage's failure, never as a silent hang.
	StageTimeout time.Duration `env:"STAGE_TIMEOUT_MS"`
	// QueueDepth bounds the task's output event queue. Emission suspends
	// when the queue is full; exceeding EmitTimeout on a suspended send
	// is fatal for the task.
	QueueDepth int `env:"OUTPUT_QUEUE_DEPTH"`
	// EmitTimeout is the longest a single emission may stay suspended on
	// a full queue before the task is failed.
	EmitTimeout time.Duration `env:"EMIT_TIMEOUT_MS"`
}

// DefaultConfig returns production pipeline settings.
func DefaultConfig() Config {
	return Config{
		StageTimeout: 15 * time.Second,
		QueueDepth:   64,
		EmitTimeout:  5 * time.Second,
	}
}

// Coordinator drives transcribe → generate → synthesize for finalized
// turns. It is stateless across tasks and safe for concurrent use by all
// sessions; each Run call produces an independent cancellable Task with
// fresh chunk numbering.
type Coordinator struct {
	asr    asr.Service
	agent  agent.Service
	tts    tts.Service
	cfg    Config
	logger *zap.Logger
}

// NewCoordinator wires the three collaborators.
func NewCoordinator(asrSvc asr.Service, agentSvc agent.Service, ttsSvc tts.Service, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 15 * time.Second
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 5 * time.Second
	}
	return &Coordinator{asr: asrSvc, agent: agentSvc, tts: ttsSvc, cfg: cfg, logger: logger}
}

// Run starts a pipeline task for one turn's audio and returns
// immediately; stages execute on the task's own goroutine so audio
// ingestion for the next turn is never blocked by this one's latency.
func (c *Coordinator) Run(ctx context.Context, turnAudio []byte, history []agent.Exchange) *Task {
	t := newTask(ctx, c.cfg.QueueDepth, c.cfg.EmitTimeout)
	go c.run(t, turnAudio, history)
	return t
}

func (c *Coordinator) run(t *Task, turnAudio []byte, history []agent.Exchange) {
	log := c.logger.With(zap.String("task_id", t.ID))

	// Stage 1: transcribe. Nothing has been promised downstream yet, so
	// cancellation here ends the task without a cancelled event.
	transcript, err := c.transcribe(t, turnAudio)
	if err != nil {
		if t.Cancelled() {
			log.Debug("task cancelled during transcription")
			t.finish(Event{Type: EventCancelled})
			return
		}
		kind := asrKind(err)
		metrics.StageFailures.WithLabelValues("transcribe", string(kind)).Inc()
		log.Warn("transcription failed", zap.Error(err))
		t.finish(Event{Type: EventTranscriptionFailed, Err: asClassified(err, kind)})
		return
	}
	if err := t.emit(Event{Type: EventTranscription, Text: transcript}); err != nil {
		t.finish(Event{Type: EventCancelled})
		return
	}

	// Stage 2: generate.
	answer, err := c.generate(t, transcript, history)
	if err != nil {
		if t.Cancelled() {
			log.Debug("task cancelled during generation")
			t.finish(Event{Type: EventCancelled})
			return
		}
		metrics.StageFailures.WithLabelValues("generate", string(voiceerr.KindAgentUnavailable)).Inc()
		log.Warn("generation failed", zap.Error(err))
		t.finish(Event{Type: EventGenerationFailed, Err: asClassified(err, voiceerr.KindAgentUnavailable)})
		return
	}

	// Stage 3: synthesize, forwarding each chunk the instant it is ready.
	if err := c.synthesize(t, answer); err != nil {
		if t.Cancelled() || errors.Is(err, errCancelled) {
			log.Debug("task cancelled during synthesis", zap.Int("chunks_emitted", t.nextIndex))
			t.finish(Event{Type: EventCancelled})
			return
		}
		metrics.StageFailures.WithLabelValues("synthesize", string(voiceerr.KindSynthesisFailed)).Inc()
		log.Warn("synthesis failed", zap.Error(err), zap.Int("chunks_emitted", t.nextIndex))
		t.finish(Event{Type: EventSynthesisFailed, Err: asClassified(err, voiceerr.KindSynthesisFailed)})
		return
	}

	log.Debug("pipeline complete",
		zap.Int("chunks", t.nextIndex),
		zap.Duration("total", time.Since(t.createdAt)))
	t.finish(Event{Type: EventComplete, Text: answer})
}

func (c *Coordinator) transcribe(t *Task, turnAudio []byte) (string, error) {
	if t.Cancelled() {
		return "", errCancelled
	}
	stageCtx, cancel := context.WithTimeout(t.ctx, c.cfg.StageTimeout)
	defer cancel()
	start := time.Now()
	text, err := c.asr.Transcribe(stageCtx, turnAudio)
	if err != nil {
		return "", err
	}
	metrics.ObserveStage("transcribe", time.Since(start))
	return text, nil
}

func (c *Coordinator) generate(t *Task, transcript string, history []agent.Exchange) (string, error) {
	if t.Cancelled() {
		return "", errCancelled
	}
	stageCtx, cancel := context.WithTimeout(t.ctx, c.cfg.StageTimeout)
	defer cancel()
	start := time.Now()
	answer, err := c.agent.Generate(stageCtx, transcript, history)
	if err != nil {
		return "", err
	}
	metrics.ObserveStage("generate", time.Since(start))
	return answer, nil
}

func (c *Coordinator) synthesize(t *Task, answer string) error {
	if t.Cancelled() {
		return errCancelled
	}
	stageCtx, cancel := context.WithTimeout(t.ctx, c.cfg.StageTimeout)
	defer cancel()
	start := time.Now()
	err := c.tts.Synthesize(stageCtx, answer, func(chunk []byte) error {
		ev := Event{Type: EventResponseChunk, Chunk: chunk, Index: t.nextIndex}
		if err := t.emit(ev); err != nil {
			return err
		}
		t.nextIndex++
		metrics.ChunksEmitted.Inc()
		return nil
	})
	if err != nil {
		if errors.Is(err, errEmitStalled) {
			return voiceerr.Wrap(voiceerr.KindSynthesisFailed, "output backpressure bound exceeded", err)
		}
		return err
	}
	metrics.ObserveStage("synthesize", time.Since(start))
	return nil
}

// asrKind maps transcription stage errors onto the wire taxonomy,
// treating a blown stage deadline as asr_timeout.
func asrKind(err error) voiceerr.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return voiceerr.KindAsrTimeout
	}
	if k := voiceerr.KindOf(err); k != voiceerr.KindUnknown {
		return k
	}
	return voiceerr.KindAsrUnavailable
}

// asClassified returns err as a *voiceerr.Error, classifying it under
// fallback when the collaborator returned a bare error.
func asClassified(err error, fallback voiceerr.Kind) *voiceerr.Error {
	var ve *voiceerr.Error
	if errors.As(err, &ve) {
		return ve
	}
	return voiceerr.Wrap(fallback, err.Error(), err)
}
