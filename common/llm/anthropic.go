package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/httpx"
	"github.com/forbiddencoding/social-autoposter/common/metrics"
)

const anthropicVersion = "2023-06-01"

var ErrEmptyResponse = errors.New("llm returned no text")

type (
	Request struct {
		System   string
		Prompt   string
		ImageURL string
		// MaxTokens overrides the configured default when positive.
		MaxTokens int
	}

	Completer interface {
		Complete(ctx context.Context, req Request) (string, error)
	}

	StatusError struct {
		StatusCode int
		Message    string
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	metrics    *metrics.Metrics
}

var _ Completer = (*Client)(nil)

func New(conf *config.Anthropic, m *metrics.Metrics) (*Client, error) {
	if conf.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if conf.Model == "" {
		return nil, errors.New("anthropic model is required")
	}

	return &Client{
		httpClient: &http.Client{Timeout: conf.Timeout},
		executor: httpx.NewExecutor(httpx.ExecutorConfig{
			Name:           "anthropic",
			MaxRetries:     3,
			BaseDelay:      time.Second,
			MaxDelay:       20 * time.Second,
			CircuitBreaker: true,
			OnStateChange:  m.CircuitStateChanged,
		}),
		apiKey:    conf.APIKey,
		baseURL:   strings.TrimRight(conf.BaseURL, "/"),
		model:     conf.Model,
		maxTokens: conf.MaxTokens,
		metrics:   m,
	}, nil
}

type (
	messagesRequest struct {
		Model     string    `json:"model"`
		MaxTokens int       `json:"max_tokens"`
		System    string    `json:"system,omitempty"`
		Messages  []message `json:"messages"`
	}

	message struct {
		Role    string    `json:"role"`
		Content []content `json:"content"`
	}

	content struct {
		Type   string       `json:"type"`
		Text   string       `json:"text,omitempty"`
		Source *imageSource `json:"source,omitempty"`
	}

	imageSource struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	}

	messagesResponse struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}

	errorResponse struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// Complete sends one user turn and returns the concatenated text blocks of the reply.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := c.complete(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.LLMRequest(outcome, time.Since(start))
	return text, err
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	parts := make([]content, 0, 2)
	if req.ImageURL != "" {
		parts = append(parts, content{Type: "image", Source: &imageSource{Type: "url", URL: req.ImageURL}})
	}
	parts = append(parts, content{Type: "text", Text: req.Prompt})

	payload, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: parts}},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: marshal request: %w", err)
	}

	resp, err := httpx.Do(ctx, c.executor, c.httpClient, func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-API-Key", c.apiKey)
		r.Header.Set("Anthropic-Version", anthropicVersion)
		return r, nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", &StatusError{StatusCode: resp.StatusCode, Message: e.Error.Message}
	}

	var out messagesResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
