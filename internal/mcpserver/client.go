package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a marketplace node.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	AgentAddress string // Caller's address, e.g. "0x..."
}

// MarketClient is a thin HTTP client for the marketplace API.
type MarketClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMarketClient creates a client for the node at cfg.APIURL.
func NewMarketClient(cfg Config) *MarketClient {
	return &MarketClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest sends one request and returns the raw response body.
func (c *MarketClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns the caller's ledger account.
func (c *MarketClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(c.cfg.AgentAddress), nil, nil)
}

// ListAgents lists registered agents, optionally filtered by capability.
func (c *MarketClient) ListAgents(ctx context.Context, capability string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if capability != "" {
		q.Set("capability", capability)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("active", "true")
	return c.doRequest(ctx, http.MethodGet, "/v1/agents", q, nil)
}

// GetReputation returns the signed reputation profile of address.
func (c *MarketClient) GetReputation(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/reputation/"+url.PathEscape(address), nil, nil)
}

// CreateRequest escrows amount for provider. The caller pays.
func (c *MarketClient) CreateRequest(ctx context.Context, provider string, amount uint64, data string) (json.RawMessage, error) {
	body := map[string]any{
		"providerAddr": provider,
		"amount":       amount,
		"requestData":  data,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/requests", nil, body)
}

// GetRequest fetches one request.
func (c *MarketClient) GetRequest(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id), nil, nil)
}

// ListRequests lists the caller's requests as requester or provider.
func (c *MarketClient) ListRequests(ctx context.Context, role string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/requests/agent/"+url.PathEscape(c.cfg.AgentAddress), q, nil)
}

// Transition posts to one of the request lifecycle actions
// (start, result, approve, dispute, cancel).
func (c *MarketClient) Transition(ctx context.Context, id, action string, body any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/requests/"+url.PathEscape(id)+"/"+action, nil, body)
}

// RatingInput is the body of a rating submission.
type RatingInput struct {
	RequestID  string `json:"requestId"`
	Stars      uint8  `json:"stars"`
	Quality    uint8  `json:"quality"`
	Speed      uint8  `json:"speed"`
	Value      uint8  `json:"value"`
	ReviewText string `json:"reviewText,omitempty"`
}

// SubmitRating rates the provider of a settled request.
func (c *MarketClient) SubmitRating(ctx context.Context, in RatingInput) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/ratings", nil, in)
}

// GetRoyaltyConfig returns the royalty split config. An empty id selects
// the default config.
func (c *MarketClient) GetRoyaltyConfig(ctx context.Context, id string) (json.RawMessage, error) {
	var q url.Values
	if id != "" {
		q = url.Values{"id": {id}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/royalty/config", q, nil)
}

// DistributeRoyalty splits amount from the caller's account with creator as
// the creator-share recipient.
func (c *MarketClient) DistributeRoyalty(ctx context.Context, configID, creator string, amount uint64) (json.RawMessage, error) {
	body := map[string]any{
		"configId": configID,
		"creator":  creator,
		"amount":   amount,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/royalty/distribute", nil, body)
}
