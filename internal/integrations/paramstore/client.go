// Package paramstore resolves secrets from AWS SSM Parameter Store, or from
// a static map when the process runs outside AWS.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// Integrations depend on this interface rather than the concrete *Client so
// they remain testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval. Successful reads are
// cached for the lifetime of the process.
type Client struct {
	api ssmAPI

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, cache: make(map[string]string)}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	c.mu.Lock()
	if v, ok := c.cache[name]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]string)
	}
	c.cache[name] = *out.Parameter.Value
	c.mu.Unlock()
	return *out.Parameter.Value, nil
}

// Static serves parameters from memory, keyed by full parameter name.
type Static map[string]string

func (s Static) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := s[strings.TrimSpace(name)]
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("paramstore: parameter %q not set", name)
	}
	return v, nil
}

// tokenPayload is the JSON shape used for API tokens stored in SSM.
type tokenPayload struct {
	Token string `json:"token"`
}

// Token reads a token parameter. Values stored as {"token":"..."} are
// unwrapped; any other value is used as the token itself.
func Token(ctx context.Context, g Getter, name string) (string, error) {
	if g == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: token parameter name is empty")
	}
	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		if raw == "" {
			return "", errors.New("paramstore: token is empty")
		}
		return raw, nil
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("paramstore: token is empty")
	}
	return tp.Token, nil
}
