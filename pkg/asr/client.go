package asr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ClientConfig configures the HTTP transcription client.
type ClientConfig struct {
	BaseURL    string        `env:"ASR_BASE_URL"`
	APIKey     string        `env:"ASR_API_KEY"`
	Language   string        `env:"ASR_LANGUAGE"`
	SampleRate int           `env:"ASR_SAMPLE_RATE"`
	Timeout    time.Duration `env:"ASR_TIMEOUT"`
}

// Client is an HTTP transcription client posting raw PCM to a
// recognition endpoint and reading back the transcript.
type Client struct {
	http   *resty.Client
	cfg    ClientConfig
	logger *zap.Logger
}

type transcribeResponse struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

// NewClient creates an ASR client against cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/octet-stream")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: httpClient, cfg: cfg, logger: logger}
}

// Transcribe posts the turn audio and returns the recognized text.
// Deadline and cancellation errors map to asr_timeout, transport and
// server errors to asr_unavailable. Cancellation aborts the in-flight
// request through the context.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("language", c.cfg.Language).
		SetQueryParam("sample_rate", fmt.Sprintf("%d", c.cfg.SampleRate)).
		SetBody(pcm).
		SetResult(&transcribeResponse{}).
		Post("/v1/transcribe")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", voiceerr.Wrap(voiceerr.KindAsrTimeout, "transcription did not complete in time", err)
		}
		return "", voiceerr.Wrap(voiceerr.KindAsrUnavailable, "transcription request failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", voiceerr.New(voiceerr.KindAsrUnavailable,
			fmt.Sprintf("transcription service returned %d", resp.StatusCode()))
	}
	result := resp.Result().(*transcribeResponse)
	c.logger.Debug("transcription completed",
		zap.Int("audio_bytes", len(pcm)),
		zap.Duration("latency", time.Since(start)))
	return result.Text, nil
}
