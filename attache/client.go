package attache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	endpointActionConfig       = "config"
	endpointActionUpdateMemory = "update-memory"
	endpointActionHealth       = "health"
)

// MemorySnapshot is the conversation memory as returned by the endpoint.
type MemorySnapshot struct {
	Summary      string `json:"summary"`
	MessageCount int    `json:"message_count"`
}

// BotConfig is the bot-facing configuration payload served by the
// endpoint: system instructions, the channel allowlist, and the rolling
// conversation memory.
type BotConfig struct {
	Instructions    string          `json:"instructions"`
	AllowedChannels []string        `json:"allowedChannels"`
	Memory          *MemorySnapshot `json:"memory"`
}

// ChannelAllowed reports whether the bot replies unprompted in the given
// channel.
func (c *BotConfig) ChannelAllowed(channelID string) bool {
	for _, id := range c.AllowedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

// defaultBotConfig returns the compiled-in fallback used before the first
// successful fetch.
func defaultBotConfig() *BotConfig {
	return &BotConfig{
		Instructions:    DefaultInstructions,
		AllowedChannels: []string{},
		Memory:          nil,
	}
}

// HealthReport is the health snapshot the bot posts to the endpoint.
type HealthReport struct {
	LastPing        *time.Time `json:"last_ping,omitempty"`
	LastMessage     *time.Time `json:"last_message,omitempty"`
	ErrorCount      int64      `json:"error_count"`
	CacheAgeSeconds int64      `json:"cache_age_seconds"`
	CacheHits       int64      `json:"cache_hits"`
	CacheMisses     int64      `json:"cache_misses"`
	IsOnline        bool       `json:"is_online"`
}

type endpointEnvelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EndpointClient is the bot's HTTP client for the backend endpoint. Every
// call is bounded by the configured request timeout.
type EndpointClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewEndpointClient creates a client for the endpoint at baseURL.
func NewEndpointClient(
	config *EndpointConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *EndpointClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultEndpointRequestTimeout
	}
	return &EndpointClient{
		baseURL:    config.BaseURL,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger.With(loggerNameKey, "endpoint_client"),
	}
}

// FetchConfig retrieves the current bot configuration from the endpoint.
func (c *EndpointClient) FetchConfig(ctx context.Context) (*BotConfig, error) {
	envelope, err := c.do(ctx, http.MethodGet, endpointActionConfig, nil)
	if err != nil {
		return nil, err
	}

	var config BotConfig
	if err = json.Unmarshal(envelope.Data, &config); err != nil {
		return nil, fmt.Errorf("decoding config payload: %w", err)
	}
	if config.Instructions == "" {
		// seeded state until an admin edits the prompt
		config.Instructions = DefaultInstructions
	}
	if config.AllowedChannels == nil {
		config.AllowedChannels = []string{}
	}
	return &config, nil
}

// UpdateMemory persists the updated rolling summary. Callers treat this
// as best-effort: failures are logged and otherwise swallowed.
func (c *EndpointClient) UpdateMemory(
	ctx context.Context,
	summary string,
	messageCount int,
) error {
	body := map[string]any{
		"summary":       summary,
		"message_count": messageCount,
	}
	_, err := c.do(ctx, http.MethodPost, endpointActionUpdateMemory, body)
	return err
}

// ReportHealth upserts the bot's health snapshot.
func (c *EndpointClient) ReportHealth(
	ctx context.Context,
	report HealthReport,
) error {
	_, err := c.do(ctx, http.MethodPost, endpointActionHealth, report)
	return err
}

func (c *EndpointClient) do(
	ctx context.Context,
	method string,
	action string,
	body any,
) (*endpointEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", action, err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s?action=%s", c.baseURL, action)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", action, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s request: %w", action, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", action, err)
	}

	var envelope endpointEnvelope
	if err = json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf(
			"decoding %s response (status %d): %w",
			action, resp.StatusCode, err,
		)
	}

	if resp.StatusCode != http.StatusOK || !envelope.Success {
		errMsg := envelope.Error
		if errMsg == "" {
			errMsg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf(
			"endpoint %s returned status %d: %s",
			action, resp.StatusCode, errMsg,
		)
	}

	return &envelope, nil
}
