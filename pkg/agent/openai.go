package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/code-100-precent/LingTurn/pkg/voiceerr"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures the chat-completion backed agent. Any
// OpenAI-compatible endpoint works through BaseURL.
type OpenAIConfig struct {
	APIKey       string `env:"AGENT_API_KEY"`
	BaseURL      string `env:"AGENT_BASE_URL"`
	Model        string `env:"AGENT_MODEL"`
	SystemPrompt string `env:"AGENT_SYSTEM_PROMPT"`
	MaxTokens    int    `env:"AGENT_MAX_TOKENS"`
}

// OpenAIService generates answers through a chat-completion API.
type OpenAIService struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

const defaultSystemPrompt = "You are a voice assistant. Answer briefly and " +
	"conversationally; your reply will be spoken aloud."

// NewOpenAIService creates the chat-completion agent.
func NewOpenAIService(cfg OpenAIConfig, logger *zap.Logger) *OpenAIService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIService{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
}

// Generate runs one bounded chat completion over the transcript plus the
// session's recent exchanges. Cancellation propagates into the HTTP call
// through ctx.
func (s *OpenAIService) Generate(ctx context.Context, transcript string, history []Exchange) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2*len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: s.cfg.SystemPrompt,
	})
	for _, ex := range history {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.UserText},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ex.AgentText},
		)
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: transcript,
	})

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.cfg.Model,
		Messages:  messages,
		MaxTokens: s.cfg.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", voiceerr.Wrap(voiceerr.KindAgentUnavailable, "generation request failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", voiceerr.New(voiceerr.KindAgentUnavailable, "generation returned no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	s.logger.Debug("generation completed",
		zap.String("model", s.cfg.Model),
		zap.Int("history", len(history)),
		zap.Duration("latency", time.Since(start)))
	return answer, nil
}
