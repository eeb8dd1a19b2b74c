// Package litellm runs orchestration agents against the LiteLLM proxy's
// OpenAI-compatible chat completions API.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ikanisa/lawai-sub007/internal/resilience"
)

// Client talks to the LiteLLM Proxy.
type Client struct {
	baseURL    string
	masterKey  string
	keySource  func() string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new LiteLLM client. A zero timeout means no client
// side deadline; callers bound runs with their context.
func NewClient(baseURL, masterKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   baseURL,
		masterKey: masterKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// SetKeySource makes the client read the master key from fn on every
// request, so a rotated key takes effect without a restart. An empty result
// falls back to the key given to NewClient.
func (c *Client) SetKeySource(fn func() string) {
	c.keySource = fn
}

func (c *Client) key() string {
	if c.keySource != nil {
		if k := c.keySource(); k != "" {
			return k
		}
	}
	return c.masterKey
}

// Health checks if LiteLLM is healthy.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.send(ctx, http.MethodGet, "/health/liveliness", nil)
	if err != nil {
		return fmt.Errorf("litellm health: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) doJSON(ctx context.Context, path string, body, out any) (http.Header, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.send(ctx, http.MethodPost, path, data)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.Header, nil
}

// send performs one request through the breaker. On success the caller owns
// the response body; non-2xx responses are turned into errors and closed.
func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var resp *http.Response
	call := func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if k := c.key(); k != "" {
			req.Header.Set("Authorization", "Bearer "+k)
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		if r.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			_ = r.Body.Close()
			return fmt.Errorf("litellm API error %d: %s", r.StatusCode, string(data))
		}

		resp = r
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.ExecuteContext(ctx, call); err != nil {
			return nil, err
		}
		return resp, nil
	}

	if err := call(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}
