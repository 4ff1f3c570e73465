package vad

import (
	"sync"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/audio"
	"go.uber.org/zap"
)

// Config tunes the energy detector. Thresholds vary per microphone and
// environment, so nothing here is hardcoded in the detector itself.
type Config struct {
	// SpeechThreshold is the smoothed RMS level above which a frame counts
	// toward a speech run (0..32768 for 16-bit PCM).
	SpeechThreshold float64 `env:"SPEECH_THRESHOLD"`
	// MinSpeechRun is the number of consecutive above-threshold frames
	// required before speech-start is declared.
	MinSpeechRun int `env:"MIN_SPEECH_RUN"`
	// SilenceTimeout is how long energy must stay below threshold before
	// speech-end is declared.
	SilenceTimeout time.Duration `env:"SILENCE_TIMEOUT_MS"`
	// EnergyWindow is the moving-average window (frames) applied to raw
	// RMS before thresholding, to avoid flapping on transient noise.
	EnergyWindow int `env:"ENERGY_WINDOW"`
	// SampleRate of the inbound PCM, used to convert frame sizes to time.
	SampleRate int `env:"SAMPLE_RATE"`
}

// DefaultConfig is a middle-of-the-road profile for 16 kHz mono input.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold: 500,
		MinSpeechRun:    3,
		SilenceTimeout:  800 * time.Millisecond,
		EnergyWindow:    5,
		SampleRate:      16000,
	}
}

// SensitiveConfig trips on quiet speech quickly; suited to close-talking
// microphones in quiet rooms.
func SensitiveConfig() Config {
	c := DefaultConfig()
	c.SpeechThreshold = 250
	c.MinSpeechRun = 2
	c.SilenceTimeout = 700 * time.Millisecond
	return c
}

// StrictConfig needs loud sustained speech; suited to noisy environments
// and far-field microphones.
func StrictConfig() Config {
	c := DefaultConfig()
	c.SpeechThreshold = 1500
	c.MinSpeechRun = 5
	c.SilenceTimeout = 1000 * time.Millisecond
	return c
}

// Decision is the per-frame classification handed to the turn state
// machine. SpeechStart and SpeechEnd fire on the edge only, so a
// contiguous run of speech produces exactly one SpeechStart.
type Decision struct {
	// IsSpeech is the hysteresis-filtered state: it stays true through
	// sub-timeout pauses inside a turn.
	IsSpeech bool
	Energy   float64
	// Voiced is the instantaneous comparison of smoothed energy against
	// the threshold, used by the turn machine to measure actual speech.
	Voiced      bool
	SpeechStart bool
	SpeechEnd   bool
}

// Detector classifies frames for a single session. Each call reads and
// writes the smoothing window and hysteresis counters, so a Detector must
// not be shared across sessions. Calls are serialized by the session's
// ingest loop; the mutex only guards Reset from other goroutines.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	window     []float64
	windowPos  int
	windowLen  int
	speechRun  int
	inSpeech   bool
	silentFor  time.Duration
	frameCount uint64
}

// NewDetector creates a per-session detector.
func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 500
	}
	if cfg.MinSpeechRun <= 0 {
		cfg.MinSpeechRun = 1
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 800 * time.Millisecond
	}
	if cfg.EnergyWindow <= 0 {
		cfg.EnergyWindow = 1
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Detector{
		cfg:    cfg,
		logger: logger,
		window: make([]float64, cfg.EnergyWindow),
	}
}

// Classify computes the smoothed energy of one frame and advances the
// hysteresis state. A short (partial) frame is still classified; an empty
// frame is silence; corrupt PCM fails with an audio decode error and
// leaves the detector state untouched.
func (d *Detector) Classify(frame *audio.Frame) (Decision, error) {
	raw, err := audio.RMS(frame.Data)
	if err != nil {
		return Decision{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.frameCount++
	energy := d.smooth(raw)
	frameDur := frame.Duration(d.cfg.SampleRate)

	dec := Decision{Energy: energy, IsSpeech: d.inSpeech}

	if energy > d.cfg.SpeechThreshold {
		dec.Voiced = true
		d.silentFor = 0
		if !d.inSpeech {
			d.speechRun++
			if d.speechRun >= d.cfg.MinSpeechRun {
				d.inSpeech = true
				d.speechRun = 0
				dec.IsSpeech = true
				dec.SpeechStart = true
				d.logger.Debug("vad speech start",
					zap.Float64("energy", energy),
					zap.Uint64("frame", d.frameCount))
			}
		}
		return dec, nil
	}

	d.speechRun = 0
	if d.inSpeech {
		d.silentFor += frameDur
		if d.silentFor >= d.cfg.SilenceTimeout {
			d.inSpeech = false
			d.silentFor = 0
			dec.IsSpeech = false
			dec.SpeechEnd = true
			d.logger.Debug("vad speech end",
				zap.Float64("energy", energy),
				zap.Uint64("frame", d.frameCount))
		}
	}
	return dec, nil
}

// smooth pushes a raw energy sample into the moving-average window and
// returns the current average. Caller holds the lock.
func (d *Detector) smooth(raw float64) float64 {
	d.window[d.windowPos] = raw
	d.windowPos = (d.windowPos + 1) % len(d.window)
	if d.windowLen < len(d.window) {
		d.windowLen++
	}
	var sum float64
	for i := 0; i < d.windowLen; i++ {
		sum += d.window[i]
	}
	return sum / float64(d.windowLen)
}

// IsSpeech reports the current hysteresis state.
func (d *Detector) IsSpeech() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inSpeech
}

// Reset clears all hysteresis and smoothing state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.window {
		d.window[i] = 0
	}
	d.windowPos = 0
	d.windowLen = 0
	d.speechRun = 0
	d.inSpeech = false
	d.silentFor = 0
}
