// Package openai is the fallback language model used when neither the QA
// catalog nor the dialogue engine can answer.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = goopenai.GPT4oMini
)

// Completion is one request to the model: a system prompt, prior turns
// oldest first, and the new user prompt.
type Completion struct {
	System  string
	History []domain.ChatMessage
	Prompt  string
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
	Err        error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func (e *HTTPStatusError) Unwrap() error {
	return e.Err
}

// Client is a chat completion client. The API key is fetched from the
// parameter store on first use and reused for the lifetime of the process.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string
	model       string
	maxTokens   int
	temperature float32

	// mu guards api, which stays nil until the key is fetched successfully.
	mu  sync.Mutex
	api *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// NewClient creates a Client that resolves its API key from
// <paramPrefix>/open-ai-token.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		model:       defaultModel,
		maxTokens:   500,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// apiBase normalizes a base URL so it ends in /v1.
func apiBase(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := paramstore.Token(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = apiBase(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

func toMessages(in Completion) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(in.History)+2)
	if s := strings.TrimSpace(in.System); s != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: s})
	}
	for _, m := range in.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := goopenai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: in.Prompt})
}

// Complete returns the model's reply. Upstream HTTP failures are returned as
// *HTTPStatusError; transport errors, including context deadlines, are
// wrapped unchanged.
func (c *Client) Complete(ctx context.Context, in Completion) (string, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return "", errors.New("openai: prompt must not be empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return "", err
	}

	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toMessages(in),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", c.statusError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) statusError(err error) error {
	url := apiBase(c.baseURL) + "/chat/completions"
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, URL: url, Body: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, URL: url, Body: reqErr.Error(), Err: err}
	}
	return fmt.Errorf("openai: request failed: %w", err)
}
