// Package llm is the gateway to the strategist's and reflection engine's
// language model. It speaks the Claude, OpenAI, DeepSeek and local chat
// APIs, retries transient failures with exponential backoff, and extracts
// JSON payloads from conversational replies. Callers must tolerate an
// unavailable gateway: the strategist skips its cycle, reflection skips the
// round.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

// ErrUnavailable means the gateway has no usable provider configuration.
var ErrUnavailable = errors.New("llm gateway unavailable")

const (
	ProviderClaude   = "claude"
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
	ProviderLocal    = "local"
)

const (
	defaultTimeout   = 120 * time.Second
	defaultAttempts  = 3
	defaultMaxTokens = 2048
)

// QueryOpts tune a single query. Zero values fall back to the configured
// defaults.
type QueryOpts struct {
	Timeout     time.Duration
	Temperature *float64
	MaxTokens   int
}

// Gateway is a retrying chat-completion client.
type Gateway struct {
	cfg         config.LLMConfig
	httpClient  *http.Client
	baseBackoff time.Duration
	logger      zerolog.Logger
}

func NewGateway(cfg config.LLMConfig, logger zerolog.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	return &Gateway{
		cfg:         cfg,
		httpClient:  &http.Client{},
		baseBackoff: 2 * time.Second,
		logger:      logger.With().Str("component", "llm").Logger(),
	}
}

// Available reports whether queries can be attempted at all. Local
// providers need no API key.
func (g *Gateway) Available() bool {
	if g.cfg.Provider == "" {
		return false
	}
	return g.cfg.APIKey != "" || g.cfg.Provider == ProviderLocal
}

// Query sends one system+user exchange and returns the raw text reply.
// Network errors and 5xx responses are retried with exponential backoff;
// 4xx responses and malformed bodies are not.
func (g *Gateway) Query(ctx context.Context, system, user string, opts QueryOpts) (string, error) {
	if !g.Available() {
		return "", ErrUnavailable
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		text, retryable, err := g.complete(ctx, system, user, opts)
		if err == nil {
			return text, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
		g.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", g.cfg.MaxAttempts).
			Msg("LLM query failed")

		if attempt < g.cfg.MaxAttempts {
			backoff := g.baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("llm query failed after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}

func (g *Gateway) complete(ctx context.Context, system, user string, opts QueryOpts) (text string, retryable bool, err error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	temperature := g.cfg.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload, parse, err := g.buildRequest(system, user, temperature, maxTokens)
	if err != nil {
		return "", false, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.endpoint(), bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("llm returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	if resp.StatusCode >= 400 {
		return "", false, fmt.Errorf("llm rejected request with %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	text, err = parse(respBody)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

type parseFunc func([]byte) (string, error)

func (g *Gateway) buildRequest(system, user string, temperature float64, maxTokens int) (interface{}, parseFunc, error) {
	switch g.cfg.Provider {
	case ProviderClaude:
		return claudeRequest{
			Model:       g.cfg.Model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			System:      system,
			Messages:    []chatMessage{{Role: "user", Content: user}},
		}, parseClaude, nil
	case ProviderOpenAI, ProviderDeepSeek:
		return openAIRequest{
			Model:       g.cfg.Model,
			MaxTokens:   maxTokens,
			Temperature: temperature,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
		}, parseOpenAI, nil
	case ProviderLocal:
		return localChatRequest{
			Model: g.cfg.Model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Stream: false,
		}, parseLocal, nil
	default:
		return nil, nil, fmt.Errorf("unsupported provider: %s", g.cfg.Provider)
	}
}

func (g *Gateway) endpoint() string {
	if g.cfg.BaseURL != "" {
		if g.cfg.Provider == ProviderClaude {
			return g.cfg.BaseURL + "/v1/messages"
		}
		if g.cfg.Provider == ProviderLocal {
			return g.cfg.BaseURL + "/api/chat"
		}
		return g.cfg.BaseURL + "/v1/chat/completions"
	}
	switch g.cfg.Provider {
	case ProviderClaude:
		return "https://api.anthropic.com/v1/messages"
	case ProviderOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case ProviderDeepSeek:
		return "https://api.deepseek.com/v1/chat/completions"
	default:
		return "http://localhost:11434/api/chat"
	}
}

func (g *Gateway) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	switch g.cfg.Provider {
	case ProviderClaude:
		req.Header.Set("x-api-key", g.cfg.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case ProviderOpenAI, ProviderDeepSeek:
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type localChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type localChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Content string `json:"content"`
}

func parseClaude(body []byte) (string, error) {
	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("api error: %s - %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return resp.Content[0].Text, nil
}

func parseOpenAI(body []byte) (string, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("api error: %s - %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func parseLocal(body []byte) (string, error) {
	var resp localChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Message.Content != "" {
		return resp.Message.Content, nil
	}
	if resp.Content != "" {
		return resp.Content, nil
	}
	return "", fmt.Errorf("empty response")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
