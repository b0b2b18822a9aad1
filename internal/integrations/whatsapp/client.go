package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"delegate-assistant/internal/integrations/paramstore"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends messages from one business phone number. The access token is
// read from <paramPrefix>/whatsapp-token on first use.
type Client struct {
	baseURL     string
	phoneID     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	// mu guards token, which stays empty until it is fetched successfully.
	mu    sync.Mutex
	token string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimRight(strings.TrimSpace(baseURL), "/"); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(ps paramstore.Getter, paramPrefix, phoneID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	if strings.TrimSpace(phoneID) == "" {
		return nil, errors.New("whatsapp: phone id must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		phoneID:     strings.TrimSpace(phoneID),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := paramstore.Token(ctx, c.getter, c.paramPrefix+"/whatsapp-token")
	if err != nil {
		return "", fmt.Errorf("whatsapp: %w", err)
	}
	c.token = token
	return token, nil
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers text to phone and returns the WhatsApp message id.
func (c *Client) Send(ctx context.Context, phone, text string) (string, error) {
	to := CleanPhone(phone)
	if to == "" {
		return "", errors.New("whatsapp: recipient must not be empty")
	}
	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal request: %w", err)
	}
	url := c.baseURL + "/" + c.phoneID + "/messages"
	raw, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", err
	}
	var resp sendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", errors.New("whatsapp: response carries no message id")
	}
	return resp.Messages[0].ID, nil
}

// MediaURL resolves a media id to a download URL.
func (c *Client) MediaURL(ctx context.Context, mediaID string) (string, error) {
	if strings.TrimSpace(mediaID) == "" {
		return "", errors.New("whatsapp: media id must not be empty")
	}
	raw, err := c.do(ctx, http.MethodGet, c.baseURL+"/"+mediaID, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("whatsapp: decode media response: %w", err)
	}
	return resp.URL, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: read response body: %w", err)
	}
	return buf, nil
}
