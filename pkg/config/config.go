// Package config assembles the orchestrator's configuration from the
// environment. A .env file is honored in development; every knob has a
// production default so an empty environment still yields a runnable
// server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/agent"
	"github.com/code-100-precent/LingTurn/pkg/asr"
	"github.com/code-100-precent/LingTurn/pkg/logger"
	"github.com/code-100-precent/LingTurn/pkg/pipeline"
	"github.com/code-100-precent/LingTurn/pkg/tts"
	"github.com/code-100-precent/LingTurn/pkg/vad"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config is the process-wide configuration tree.
type Config struct {
	Server   ServerConfig
	Log      logger.LogConfig
	Vad      vad.Config
	Turn     TurnConfig
	Pipeline pipeline.Config
	Session  SessionConfig
	Asr      asr.ClientConfig
	Agent    agent.OpenAIConfig
	Tts      tts.ClientConfig
}

// ServerConfig holds the HTTP/websocket listener settings.
type ServerConfig struct {
	Addr string `env:"ADDR"`
	Mode string `env:"MODE"`
}

// TurnConfig holds turn gating knobs surfaced to the environment.
type TurnConfig struct {
	MinTurnDuration time.Duration `env:"MIN_TURN_DURATION_MS"`
	PreRollFrames   int           `env:"PRE_ROLL_FRAMES"`
	MaxTurnBytes    int           `env:"MAX_TURN_BYTES"`
}

// SessionConfig holds registry and transport capacity knobs.
type SessionConfig struct {
	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS"`
	HistoryLimit          int           `env:"HISTORY_LIMIT"`
	OutputQueueDepth      int           `env:"OUTPUT_QUEUE_DEPTH"`
	FrameDuration         time.Duration `env:"FRAME_DURATION_MS"`
	PreBufferFrames       int           `env:"PRE_BUFFER_FRAMES"`
	IdleTimeout           time.Duration `env:"SESSION_IDLE_TIMEOUT_MS"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Addr: envString("ADDR", ":8090"),
			Mode: envString("MODE", "dev"),
		},
		Log: logger.LogConfig{
			Level:      envString("LOG_LEVEL", "info"),
			Filename:   envString("LOG_FILENAME", "logs/lingturn.log"),
			MaxSize:    envInt("LOG_MAX_SIZE", 100),
			MaxAge:     envInt("LOG_MAX_AGE", 7),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 3),
		},
		Vad: vad.Config{
			SpeechThreshold: envFloat("SPEECH_THRESHOLD", 500),
			MinSpeechRun:    envInt("MIN_SPEECH_RUN", 3),
			SilenceTimeout:  envMillis("SILENCE_TIMEOUT_MS", 800),
			EnergyWindow:    envInt("ENERGY_WINDOW", 5),
			SampleRate:      envInt("SAMPLE_RATE", 16000),
		},
		Turn: TurnConfig{
			MinTurnDuration: envMillis("MIN_TURN_DURATION_MS", 300),
			PreRollFrames:   envInt("PRE_ROLL_FRAMES", 6),
			MaxTurnBytes:    envInt("MAX_TURN_BYTES", 1<<20),
		},
		Pipeline: pipeline.Config{
			StageTimeout: envMillis("STAGE_TIMEOUT_MS", 15000),
			QueueDepth:   envInt("OUTPUT_QUEUE_DEPTH", 64),
			EmitTimeout:  envMillis("EMIT_TIMEOUT_MS", 5000),
		},
		Session: SessionConfig{
			MaxConcurrentSessions: envInt("MAX_CONCURRENT_SESSIONS", 200),
			HistoryLimit:          envInt("HISTORY_LIMIT", 8),
			OutputQueueDepth:      envInt("OUTPUT_QUEUE_DEPTH", 64),
			FrameDuration:         envMillis("FRAME_DURATION_MS", 60),
			PreBufferFrames:       envInt("PRE_BUFFER_FRAMES", 5),
			IdleTimeout:           envMillis("SESSION_IDLE_TIMEOUT_MS", 90000),
		},
		Asr: asr.ClientConfig{
			BaseURL:    envString("ASR_BASE_URL", "http://localhost:8001"),
			APIKey:     envString("ASR_API_KEY", ""),
			Language:   envString("ASR_LANGUAGE", "en"),
			SampleRate: envInt("SAMPLE_RATE", 16000),
			Timeout:    envMillis("ASR_TIMEOUT_MS", 10000),
		},
		Agent: agent.OpenAIConfig{
			APIKey:       envString("AGENT_API_KEY", ""),
			BaseURL:      envString("AGENT_BASE_URL", ""),
			Model:        envString("AGENT_MODEL", ""),
			SystemPrompt: envString("AGENT_SYSTEM_PROMPT", ""),
			MaxTokens:    envInt("AGENT_MAX_TOKENS", 256),
		},
		Tts: tts.ClientConfig{
			BaseURL:    envString("TTS_BASE_URL", "http://localhost:8002"),
			APIKey:     envString("TTS_API_KEY", ""),
			Voice:      envString("TTS_VOICE", ""),
			SampleRate: envInt("SAMPLE_RATE", 16000),
			FrameBytes: envInt("TTS_FRAME_BYTES", 1920),
			Timeout:    envMillis("TTS_TIMEOUT_MS", 30000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Vad.SpeechThreshold <= 0 {
		return fmt.Errorf("SPEECH_THRESHOLD must be positive")
	}
	if c.Vad.MinSpeechRun <= 0 {
		return fmt.Errorf("MIN_SPEECH_RUN must be positive")
	}
	if c.Vad.SilenceTimeout <= 0 {
		return fmt.Errorf("SILENCE_TIMEOUT_MS must be positive")
	}
	if c.Session.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive")
	}
	if c.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("OUTPUT_QUEUE_DEPTH must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return cast.ToInt(v)
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return cast.ToFloat64(v)
	}
	return def
}

func envMillis(key string, defMillis int) time.Duration {
	return time.Duration(envInt(key, defMillis)) * time.Millisecond
}
