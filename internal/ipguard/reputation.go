package ipguard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ReputationProvider answers whether an address is known to be abusive.
// The lookup deadline travels on ctx.
type ReputationProvider interface {
	Lookup(ctx context.Context, ip string) (bool, error)
}

// ReputationFunc adapts a function to ReputationProvider.
type ReputationFunc func(ctx context.Context, ip string) (bool, error)

// Lookup implements ReputationProvider.
func (f ReputationFunc) Lookup(ctx context.Context, ip string) (bool, error) {
	return f(ctx, ip)
}

// HTTPReputationClient queries a JSON reputation service at GET {base}/v1/ip/{ip}.
type HTTPReputationClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type reputationResponse struct {
	Blocked bool `json:"blocked"`
	Score   int  `json:"score"`
}

// NewHTTPReputationClient constructs a client. Deadlines come from the caller's context.
func NewHTTPReputationClient(baseURL, apiKey string) *HTTPReputationClient {
	return &HTTPReputationClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Lookup implements ReputationProvider.
func (c *HTTPReputationClient) Lookup(ctx context.Context, ip string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/ip/%s", c.baseURL, url.PathEscape(ip)), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("reputation service returned status %d", resp.StatusCode)
	}
	var body reputationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return false, fmt.Errorf("decode reputation response: %w", err)
	}
	return body.Blocked, nil
}
