package attache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	providerNameOpenAI = "openai"
	providerNameGemini = "gemini"

	// geminiOpenAIBaseURL is Gemini's OpenAI-compatible endpoint.
	geminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// ErrProviderNotConfigured indicates no API credential was provided for
// the selected completion provider.
var ErrProviderNotConfigured = errors.New("completion provider not configured")

// CompletionRequest carries the three message parts sent to the provider:
// the system prompt, the rolling conversation summary (may be empty), and
// the user's cleaned message content.
type CompletionRequest struct {
	Instructions  string
	MemorySummary string
	UserMessage   string
}

// CompletionProvider generates a reply for an inbound chat message.
// Implementations select the backing API; the message loop doesn't branch
// on the provider.
type CompletionProvider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// completionClient is the subset of the OpenAI client used by providers,
// split out so tests can substitute a mock.
type completionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// chatCompletionProvider answers messages through any OpenAI-compatible
// chat completion API.
type chatCompletionProvider struct {
	name           string
	client         completionClient
	model          string
	maxTokens      int
	requestTimeout time.Duration
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

// NewCompletionProvider builds the provider selected by the config. A
// missing token yields a provider that returns
// [ErrProviderNotConfigured] without any network call.
func NewCompletionProvider(
	config *AIConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (CompletionProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "completion")

	if config.Token == "" {
		logger.Warn(
			"no AI credential set, replies will degrade to a fixed message",
			"provider", config.Provider,
		)
		return unconfiguredProvider{name: config.Provider}, nil
	}

	clientConfig := openai.DefaultConfig(config.Token)
	model := config.Model

	switch config.Provider {
	case providerNameOpenAI:
		if model == "" {
			model = DefaultOpenAIModel
		}
	case providerNameGemini:
		clientConfig.BaseURL = geminiOpenAIBaseURL
		if model == "" {
			model = DefaultGeminiModel
		}
	default:
		return nil, fmt.Errorf(
			"unknown AI provider: %s (must be %q or %q)",
			config.Provider, providerNameOpenAI, providerNameGemini,
		)
	}

	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}

	return &chatCompletionProvider{
		name:           config.Provider,
		client:         openai.NewClientWithConfig(clientConfig),
		model:          model,
		maxTokens:      config.MaxTokens,
		requestTimeout: config.RequestTimeout,
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
		logger: logger,
	}, nil
}

func (p *chatCompletionProvider) Name() string {
	return p.name
}

func (p *chatCompletionProvider) Complete(
	ctx context.Context,
	req CompletionRequest,
) (string, error) {
	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	if p.requestLimiter != nil {
		if err := p.requestLimiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.Instructions},
	}
	if req.MemorySummary != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: req.MemorySummary,
			},
		)
	}
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserMessage,
		},
	)

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:     p.model,
			Messages:  messages,
			MaxTokens: p.maxTokens,
		},
	)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"chat completion failed",
			tint.Err(err),
			"provider", p.name,
			"model", p.model,
			"duration", time.Since(start),
		)
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	p.logger.DebugContext(
		ctx,
		"chat completion finished",
		"provider", p.name,
		"model", p.model,
		"duration", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

// unconfiguredProvider stands in when no API credential is set. It never
// makes a network call.
type unconfiguredProvider struct {
	name string
}

func (p unconfiguredProvider) Name() string {
	return p.name
}

func (unconfiguredProvider) Complete(
	_ context.Context,
	_ CompletionRequest,
) (string, error) {
	return "", ErrProviderNotConfigured
}
