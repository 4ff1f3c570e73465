package turn

import (
	"sync"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/audio"
	"github.com/code-100-precent/LingTurn/pkg/vad"
	"go.uber.org/zap"
)

// State is the per-session conversational state.
type State int

const (
	StateIdle State = iota
	StateUserSpeaking
	StateAgentResponding
	// StateInterrupted is a transient pseudostate: Feed resolves it to
	// StateUserSpeaking in the same step, it is never observable between
	// frames.
	StateInterrupted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserSpeaking:
		return "user_speaking"
	case StateAgentResponding:
		return "agent_responding"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Hooks are the machine's outbound edges. They are invoked synchronously
// from Feed (or Close) with the machine lock released, so implementations
// may call back into the machine.
type Hooks struct {
	// OnTurnReady fires when a turn survives the minimum-duration gate
	// and must be dispatched to the pipeline.
	OnTurnReady func(t *Turn)
	// OnTurnDiscarded fires when a finalized turn was shorter than the
	// configured minimum and is treated as noise.
	OnTurnDiscarded func(t *Turn)
	// OnInterrupt fires the instant speech starts while a response may
	// be in flight: while the agent is audibly responding, and from
	// idle, where the prior turn's pipeline may still be transcribing
	// or generating. It must cancel the active pipeline and flush
	// queued output; with nothing in flight it must be a no-op.
	OnInterrupt func()
}

// Config tunes turn boundaries.
type Config struct {
	// MinTurnDuration discards finalized turns shorter than this.
	MinTurnDuration time.Duration `env:"MIN_TURN_DURATION_MS"`
	// PreRollFrames is how many recent frames are kept while no turn is
	// open, so the speech-run frames that precede the speech-start edge
	// land in the turn instead of being lost.
	PreRollFrames int
	// MaxTurnBytes caps a turn's accumulation buffer.
	MaxTurnBytes int
	// SampleRate of inbound PCM.
	SampleRate int
}

// DefaultConfig returns conservative turn gating for 16 kHz input.
func DefaultConfig() Config {
	return Config{
		MinTurnDuration: 300 * time.Millisecond,
		PreRollFrames:   6,
		MaxTurnBytes:    1 << 20,
		SampleRate:      16000,
	}
}

// Machine decides when a user turn starts and ends and when an agent turn
// is interrupted. Frames are fed strictly in arrival order by the
// session's ingest goroutine; the mutex exists because pipeline-side
// notifications (OnPipelineOutput, OnPipelineDone) arrive from the
// pipeline goroutine.
type Machine struct {
	cfg    Config
	hooks  Hooks
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	current *Turn
	preRoll []*audio.Frame
}

// NewMachine creates a per-session state machine.
func NewMachine(cfg Config, hooks Hooks, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinTurnDuration <= 0 {
		cfg.MinTurnDuration = 300 * time.Millisecond
	}
	if cfg.PreRollFrames <= 0 {
		cfg.PreRollFrames = 1
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Machine{
		cfg:     cfg,
		hooks:   hooks,
		logger:  logger,
		state:   StateIdle,
		preRoll: make([]*audio.Frame, 0, cfg.PreRollFrames),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Feed advances the machine with one classified frame. It is the only
// entry point on the audio data path and must be called from a single
// goroutine per session.
func (m *Machine) Feed(frame *audio.Frame, dec vad.Decision) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}

	var (
		fireInterrupt bool
		readyTurn     *Turn
		discardedTurn *Turn
	)

	switch m.state {
	case StateIdle:
		if dec.SpeechStart {
			// The prior turn's pipeline may still be in its pre-output
			// stages; new speech supersedes it before any output arrives.
			fireInterrupt = true
			m.openTurnLocked(frame)
		} else {
			m.pushPreRollLocked(frame)
		}

	case StateUserSpeaking:
		m.current.Audio.Append(frame)
		if dec.Voiced {
			m.current.Voiced += frame.Duration(m.cfg.SampleRate)
		}
		if dec.SpeechEnd {
			readyTurn, discardedTurn = m.finalizeTurnLocked()
		}

	case StateAgentResponding:
		if dec.SpeechStart {
			// Transient pseudostate: resolve to UserSpeaking in the same
			// step, keeping the triggering frame as the new turn's first
			// frame (via the pre-roll it was pushed into).
			m.state = StateInterrupted
			fireInterrupt = true
			m.openTurnLocked(frame)
		} else {
			m.pushPreRollLocked(frame)
		}
	}
	m.mu.Unlock()

	if fireInterrupt && m.hooks.OnInterrupt != nil {
		m.hooks.OnInterrupt()
	}
	if discardedTurn != nil {
		m.logger.Debug("turn discarded as noise",
			zap.Duration("duration", discardedTurn.Duration()),
			zap.Duration("min", m.cfg.MinTurnDuration))
		if m.hooks.OnTurnDiscarded != nil {
			m.hooks.OnTurnDiscarded(discardedTurn)
		}
	}
	if readyTurn != nil {
		m.logger.Debug("turn finalized",
			zap.Duration("duration", readyTurn.Duration()),
			zap.Uint64("first_seq", readyTurn.Audio.FirstSeq()),
			zap.Uint64("last_seq", readyTurn.Audio.LastSeq()))
		if m.hooks.OnTurnReady != nil {
			m.hooks.OnTurnReady(readyTurn)
		}
	}
}

// openTurnLocked starts buffering a new turn seeded with the pre-roll and
// the triggering frame, and moves to UserSpeaking.
func (m *Machine) openTurnLocked(frame *audio.Frame) {
	t := &Turn{
		Audio:     audio.NewFrameBuffer(m.cfg.MaxTurnBytes, m.cfg.SampleRate),
		StartedAt: frame.ReceivedAt,
	}
	for _, pf := range m.preRoll {
		t.Audio.Append(pf)
	}
	m.preRoll = m.preRoll[:0]
	t.Audio.Append(frame)
	t.Voiced = frame.Duration(m.cfg.SampleRate)
	m.current = t
	m.state = StateUserSpeaking
}

// finalizeTurnLocked closes the open turn and applies the noise gate.
// Exactly one of the returned turns is non-nil.
func (m *Machine) finalizeTurnLocked() (ready, discarded *Turn) {
	t := m.current
	m.current = nil
	m.state = StateIdle
	t.EndedAt = time.Now()
	if t.Voiced < m.cfg.MinTurnDuration {
		return nil, t
	}
	return t, nil
}

// pushPreRollLocked keeps a bounded window of recent frames while no turn
// is open.
func (m *Machine) pushPreRollLocked(frame *audio.Frame) {
	if len(m.preRoll) == m.cfg.PreRollFrames {
		copy(m.preRoll, m.preRoll[1:])
		m.preRoll = m.preRoll[:len(m.preRoll)-1]
	}
	m.preRoll = append(m.preRoll, frame)
}

// OnPipelineOutput marks the moment the dispatched pipeline begins
// emitting output. Idle moves to AgentResponding; any other state (the
// user already started a new turn, or the session closed) leaves the
// machine untouched.
func (m *Machine) OnPipelineOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		m.state = StateAgentResponding
	}
}

// OnPipelineDone marks the active pipeline as fully completed, cancelled
// or failed. AgentResponding returns to Idle; UserSpeaking is preserved.
func (m *Machine) OnPipelineDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAgentResponding {
		m.state = StateIdle
	}
}

// Close moves the machine to its terminal state. Any open turn is
// abandoned; cancelling the active pipeline is the session's job.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateClosed
	m.current = nil
	m.preRoll = nil
}
