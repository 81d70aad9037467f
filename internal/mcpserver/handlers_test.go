package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAgent = "0x00000000000000000000000000000000000000a1"

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewMarketClient(Config{
		APIURL:       ts.URL,
		APIKey:       "sk_test_key",
		AgentAddress: testAgent,
	})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sampleRequest(status string) map[string]any {
	return map[string]any{
		"id":            "req_1",
		"providerAddr":  "0xprov",
		"requesterAddr": testAgent,
		"amount":        1000,
		"status":        status,
		"requestData":   "summarize",
		"escrowAccount": "0xescrow",
	}
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewMarketClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", AgentAddress: testAgent})
	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
	assert.Equal(t, "/v1/accounts/"+testAgent, gotPath)
}

func TestClient_NoKeyNoHeader(t *testing.T) {
	var hadAuth bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewMarketClient(Config{APIURL: ts.URL})
	_, err := client.GetRoyaltyConfig(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, hadAuth)
}

func TestClient_HTTPError(t *testing.T) {
	tests := []struct {
		name    string
		write   func(w http.ResponseWriter)
		wantErr []string
	}{
		{
			name: "api message",
			write: func(w http.ResponseWriter) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden", "message": "Invalid API key"})
			},
			wantErr: []string{"403", "Invalid API key"},
		},
		{
			name: "plain body",
			write: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("upstream timeout"))
			},
			wantErr: []string{"502", "upstream timeout"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { tt.write(w) }))
			defer ts.Close()

			client := NewMarketClient(Config{APIURL: ts.URL, APIKey: "k", AgentAddress: testAgent})
			_, err := client.GetRequest(context.Background(), "req_1")
			require.Error(t, err)
			for _, s := range tt.wantErr {
				assert.Contains(t, err.Error(), s)
			}
		})
	}
}

func TestClient_ListQuery(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"requests":[]}`))
	}))
	defer ts.Close()

	client := NewMarketClient(Config{APIURL: ts.URL, AgentAddress: testAgent})
	_, err := client.ListRequests(context.Background(), "provider", 5)
	require.NoError(t, err)
	assert.Equal(t, "limit=5&role=provider", gotQuery)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"account": map[string]any{"address": testAgent, "balance": 850, "totalIn": 1000, "totalOut": 150},
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Available: 850")
	assert.Contains(t, text, "Total out: 150")
}

func TestHandleCreateRequest(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/requests", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusCreated, map[string]any{"request": sampleRequest("pending")})
	}))
	defer cleanup()

	result, err := h.HandleCreateRequest(context.Background(), makeRequest(map[string]any{
		"provider":     "0xprov",
		"amount":       float64(1000),
		"request_data": "summarize",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Request req_1 created")
	assert.Equal(t, "0xprov", body["providerAddr"])
	assert.Equal(t, float64(1000), body["amount"])
}

func TestHandleCreateRequest_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no API call expected")
	}))
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing provider", map[string]any{"amount": float64(5)}, "provider is required"},
		{"zero amount", map[string]any{"provider": "0xprov"}, "positive integer"},
		{"negative amount", map[string]any{"provider": "0xprov", "amount": float64(-3)}, "positive integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleCreateRequest(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleGetRequest(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := sampleRequest("approved")
		req["resultData"] = "summary"
		req["settlement"] = map[string]any{"total": 1000, "creator": 850, "platform": 100, "treasury": 50}
		writeJSON(w, http.StatusOK, map[string]any{"request": req})
	}))
	defer cleanup()

	result, err := h.HandleGetRequest(context.Background(), makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Status:    approved")
	assert.Contains(t, text, "Result:    summary")
	assert.Contains(t, text, "850/100/50")
}

func TestHandleListRequests(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "provider", r.URL.Query().Get("role"))
		writeJSON(w, http.StatusOK, map[string]any{
			"requests": []any{sampleRequest("pending"), sampleRequest("completed")},
			"count":    2,
		})
	}))
	defer cleanup()

	result, err := h.HandleListRequests(context.Background(), makeRequest(map[string]any{"role": "provider"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 request(s) as provider")
	assert.Contains(t, text, "[completed] 1000 with "+testAgent)
}

func TestHandleLifecycleTransitions(t *testing.T) {
	var paths []string
	var bodies []string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		writeJSON(w, http.StatusOK, map[string]any{"request": sampleRequest("in_progress")})
	}))
	defer cleanup()

	ctx := context.Background()
	id := map[string]any{"request_id": "req_1"}

	result, err := h.HandleStartRequest(ctx, makeRequest(id))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "started")

	result, err = h.HandleSubmitResult(ctx, makeRequest(map[string]any{"request_id": "req_1", "result": "done"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Result submitted")

	result, err = h.HandleDisputeRequest(ctx, makeRequest(map[string]any{"request_id": "req_1", "reason": "wrong"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "held in escrow")

	result, err = h.HandleCancelRequest(ctx, makeRequest(id))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "cancelled")

	assert.Equal(t, []string{
		"/v1/requests/req_1/start",
		"/v1/requests/req_1/result",
		"/v1/requests/req_1/dispute",
		"/v1/requests/req_1/cancel",
	}, paths)
	assert.JSONEq(t, `{"resultData":"done"}`, bodies[1])
	assert.JSONEq(t, `{"reason":"wrong"}`, bodies[2])
}

func TestHandleTransition_Errors(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "invalid_state", "message": "request is not pending"})
	}))
	defer cleanup()
	ctx := context.Background()

	result, err := h.HandleCancelRequest(ctx, makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Cancel failed: API error (409): request is not pending")

	result, err = h.HandleStartRequest(ctx, makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "request_id is required")

	result, err = h.HandleSubmitResult(ctx, makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "result is required")

	result, err = h.HandleDisputeRequest(ctx, makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "reason is required")
}

func TestHandleApproveRequest(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := sampleRequest("approved")
		req["creator"] = "0xcreator"
		req["settlement"] = map[string]any{"total": 1000, "creator": 850, "platform": 100, "treasury": 50}
		writeJSON(w, http.StatusOK, map[string]any{"request": req, "settlement": req["settlement"]})
	}))
	defer cleanup()

	result, err := h.HandleApproveRequest(context.Background(), makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Creator (0xcreator): 850")
	assert.Contains(t, text, "Platform:  100")
	assert.Contains(t, text, "Treasury:  50")
}

func TestHandleRateProvider(t *testing.T) {
	var body RatingInput
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ratings", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{
			"rating": map[string]any{"id": "rt_1", "agentAddr": "0xprov"},
		})
	}))
	defer cleanup()

	args := map[string]any{
		"request_id": "req_1",
		"stars":      float64(5),
		"quality":    float64(4),
		"speed":      float64(3),
		"value":      float64(5),
		"review":     "solid",
	}
	result, err := h.HandleRateProvider(context.Background(), makeRequest(args))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	assert.Contains(t, resultText(t, result), "Rated 0xprov 5/5")
	assert.Equal(t, RatingInput{RequestID: "req_1", Stars: 5, Quality: 4, Speed: 3, Value: 5, ReviewText: "solid"}, body)

	args["speed"] = float64(6)
	result, err = h.HandleRateProvider(context.Background(), makeRequest(args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "speed must be between 1 and 5")
}

func TestHandleGetReputation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/reputation/0xprov", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"profile": map[string]any{
				"agentAddr": "0xprov", "totalRatings": 2, "averageRating": 4,
				"qualityScore": 4, "speedScore": 5, "valueScore": 3,
			},
			"signature": "abc",
		})
	}))
	defer cleanup()

	result, err := h.HandleGetReputation(context.Background(), makeRequest(map[string]any{"agent_address": "0xprov"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Ratings: 2")
	assert.Contains(t, text, "Average: 4/5")
	assert.Contains(t, text, "Quality: 4/5 | Speed: 5/5 | Value: 3/5")
	assert.Contains(t, text, "Signed: yes")

	result, err = h.HandleGetReputation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListAgents(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "translation", r.URL.Query().Get("capability"))
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		writeJSON(w, http.StatusOK, map[string]any{
			"agents": []any{map[string]any{
				"name": "Translator", "address": "0xprov", "description": "en->es",
				"capabilities": []string{"translation"},
				"pricing":      map[string]any{"model": "per_query", "price": 25},
			}},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListAgents(context.Background(), makeRequest(map[string]any{"capability": "translation"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "1. Translator (0xprov)")
	assert.Contains(t, text, "Pricing: per_query 25")
}

func TestHandleListAgents_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListAgents(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No agents found.", resultText(t, result))
}

func TestHandleRoyalty(t *testing.T) {
	var distBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/royalty/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"config": map[string]any{
			"id": "default", "creatorShare": 85, "platformShare": 10, "treasuryShare": 5,
			"totalDistributed": 2000, "totalTransactions": 2, "isPaused": true,
		}})
	})
	mux.HandleFunc("/v1/royalty/distribute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&distBody)
		writeJSON(w, http.StatusCreated, map[string]any{"distribution": map[string]any{
			"id": "dist_1", "totalAmount": 100, "creatorAmount": 85,
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()
	ctx := context.Background()

	result, err := h.HandleGetRoyaltyConfig(ctx, makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "default (paused)")
	assert.Contains(t, text, "85/10/5")

	result, err = h.HandleDistributeRoyalty(ctx, makeRequest(map[string]any{"creator": "0xcreator", "amount": float64(100)}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.True(t, strings.HasPrefix(resultText(t, result), "Distribution recorded:"))
	assert.Contains(t, resultText(t, result), `"creatorAmount": 85`)
	assert.Equal(t, "0xcreator", distBody["creator"])

	result, err = h.HandleDistributeRoyalty(ctx, makeRequest(map[string]any{"creator": "0xcreator"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:0", AgentAddress: testAgent})
	require.NotNil(t, s)
}

