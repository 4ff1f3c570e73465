package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ClientConfig configures the streaming synthesis client.
type ClientConfig struct {
	BaseURL    string        `env:"TTS_BASE_URL"`
	APIKey     string        `env:"TTS_API_KEY"`
	Voice      string        `env:"TTS_VOICE"`
	SampleRate int           `env:"TTS_SAMPLE_RATE"`
	// FrameBytes is the re-framing size for emitted chunks. 1920 bytes is
	// 60 ms at 16 kHz mono 16-bit, matching the outbound frame pacing.
	FrameBytes int           `env:"TTS_FRAME_BYTES"`
	Timeout    time.Duration `env:"TTS_TIMEOUT"`
}

// Client streams synthesized PCM over chunked HTTP. The response body is
// consumed incrementally and re-framed to FrameBytes chunks, each handed
// to the caller the moment it is complete.
type Client struct {
	http   *resty.Client
	cfg    ClientConfig
	logger *zap.Logger
}

type synthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

// NewClient creates a TTS client against cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 1920
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: httpClient, cfg: cfg, logger: logger}
}

// Synthesize streams PCM chunks for text. Mid-stream failures surface as
// synthesis_failed after whatever chunks already arrived were emitted;
// cancellation via ctx or via an emit error stops the read loop without
// draining the remainder.
func (c *Client) Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(&synthesizeRequest{
			Text:       text,
			Voice:      c.cfg.Voice,
			SampleRate: c.cfg.SampleRate,
			Format:     "pcm",
		}).
		SetDoNotParseResponse(true).
		Post("/v1/synthesize")
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return voiceerr.Wrap(voiceerr.KindSynthesisFailed, "synthesis request failed", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return voiceerr.New(voiceerr.KindSynthesisFailed,
			fmt.Sprintf("synthesis service returned %d", resp.StatusCode()))
	}

	start := time.Now()
	frame := make([]byte, 0, c.cfg.FrameBytes)
	buf := make([]byte, 4096)
	chunks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			frame = append(frame, buf[:n]...)
			for len(frame) >= c.cfg.FrameBytes {
				chunk := make([]byte, c.cfg.FrameBytes)
				copy(chunk, frame[:c.cfg.FrameBytes])
				frame = frame[c.cfg.FrameBytes:]
				if err := emit(chunk); err != nil {
					return err
				}
				chunks++
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if errors.Is(readErr, context.Canceled) || errors.Is(readErr, context.DeadlineExceeded) {
				return readErr
			}
			return voiceerr.Wrap(voiceerr.KindSynthesisFailed, "synthesis stream broke mid-flight", readErr)
		}
	}
	// Trailing partial frame still carries audible audio.
	if len(frame) > 0 {
		if err := emit(frame); err != nil {
			return err
		}
		chunks++
	}
	c.logger.Debug("synthesis completed",
		zap.Int("chunks", chunks),
		zap.Duration("latency", time.Since(start)))
	return nil
}
