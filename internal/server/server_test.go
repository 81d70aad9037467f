package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentmarket/internal/config"
	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	requester = "0x00000000000000000000000000000000000000a1"
	provider  = "0x00000000000000000000000000000000000000b2"
	moderator = "0x000000000000000000000000000000000000000d"
	platform  = "0x00000000000000000000000000000000000000f1"
	treasury  = "0x00000000000000000000000000000000000000f2"
	secret    = "root-secret"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "text",
		Storage:          config.StorageMemory,
		PlatformWallet:   platform,
		TreasuryWallet:   treasury,
		Moderators:       []string{moderator},
		ProviderGuard:    true,
		AdminSecret:      secret,
		RequestTimeout:   5 * time.Second,
		SnapshotInterval: time.Hour,
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackend(ledger.NewMemoryBackend()),
	}, opts...)
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	s.drainDelay = 0
	return s
}

type client struct {
	t      *testing.T
	router *gin.Engine
}

func (c client) do(method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

func admin() map[string]string { return map[string]string{"X-Admin-Secret": secret} }

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func (c client) issueKey(addr string) string {
	c.t.Helper()
	w := c.do("POST", "/v1/admin/keys", admin(), map[string]string{"agentAddr": addr})
	require.Equal(c.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		APIKey string `json:"apiKey"`
	}
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.APIKey
}

func (c client) balance(addr string) uint64 {
	c.t.Helper()
	w := c.do("GET", "/v1/accounts/"+addr, nil, nil)
	require.Equal(c.t, http.StatusOK, w.Code)
	var resp struct {
		Account ledger.Account `json:"account"`
	}
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Account.Balance
}

func TestServer_SettlementAndRatingFlow(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}

	reqKey := c.issueKey(requester)
	provKey := c.issueKey(provider)

	w := c.do("POST", "/v1/admin/deposits", admin(), map[string]any{"address": requester, "amount": 1000, "reference": "wire-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = c.do("POST", "/v1/requests", bearer(reqKey), map[string]any{"providerAddr": provider, "amount": 1000, "requestData": "translate"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Request struct {
			ID string `json:"id"`
		} `json:"request"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Request.ID
	require.NotEmpty(t, id)
	assert.Equal(t, uint64(0), c.balance(requester))

	w = c.do("POST", "/v1/requests/"+id+"/start", bearer(provKey), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Only the provider may submit.
	w = c.do("POST", "/v1/requests/"+id+"/result", bearer(reqKey), map[string]string{"resultData": "done"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = c.do("POST", "/v1/requests/"+id+"/result", bearer(provKey), map[string]string{"resultData": "done"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do("POST", "/v1/requests/"+id+"/approve", bearer(reqKey), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, uint64(850), c.balance(provider))
	assert.Equal(t, uint64(100), c.balance(platform))
	assert.Equal(t, uint64(50), c.balance(treasury))

	// Rating after settlement.
	w = c.do("POST", "/v1/reputation", bearer(provKey), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rating := map[string]any{"requestId": id, "stars": 5, "quality": 4, "speed": 5, "value": 3, "reviewText": "fast"}
	w = c.do("POST", "/v1/ratings", bearer(reqKey), rating)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = c.do("POST", "/v1/ratings", bearer(reqKey), rating)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = c.do("GET", "/v1/reputation/"+provider, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalRatings":1`)
	assert.Contains(t, w.Body.String(), `"averageRating":5`)

	// Events were recorded after each commit.
	var types []events.Type
	for _, e := range s.Events().Events() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.PaymentReleased)
	assert.Contains(t, types, events.RatingSubmitted)
}

func TestServer_AuthBoundaries(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}
	reqKey := c.issueKey(requester)

	w := c.do("POST", "/v1/requests", nil, map[string]any{"providerAddr": provider, "amount": 1})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = c.do("POST", "/v1/admin/deposits", bearer(reqKey), map[string]any{"address": requester, "amount": 1, "reference": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = c.do("POST", "/v1/accounts/"+provider+"/withdraw", bearer(reqKey), map[string]any{"amount": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = c.do("POST", "/v1/accounts/"+requester+"/withdraw", bearer(reqKey), map[string]any{"amount": 1})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestServer_EventsEndpoint(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}

	for _, ref := range []string{"a", "b", "c"} {
		w := c.do("POST", "/v1/admin/deposits", admin(), map[string]any{"address": requester, "amount": 10, "reference": ref})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := c.do("GET", "/v1/events?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Events []events.Event `json:"events"`
		Count  int            `json:"count"`
		Next   string         `json:"next"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Equal(t, 2, page.Count)
	assert.Equal(t, page.Events[1].ID, page.Next)

	w = c.do("GET", "/v1/events?since="+page.Next, nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	assert.Equal(t, events.FundsDeposited, page.Events[0].Type)

	w = c.do("GET", "/v1/events?type="+string(events.RequestCreated), nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 0, page.Count)

	w = c.do("GET", "/v1/events?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ExtraPublisher(t *testing.T) {
	var got []events.Event
	s := newTestServer(t, WithPublisher(events.PublisherFunc(func(_ context.Context, evts []events.Event) error {
		got = append(got, evts...)
		return nil
	})))
	c := client{t: t, router: s.Router()}

	w := c.do("POST", "/v1/admin/deposits", admin(), map[string]any{"address": requester, "amount": 10, "reference": "a"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, got, 1)
	assert.Equal(t, events.FundsDeposited, got[0].Type)
}

func TestServer_OperationalEndpoints(t *testing.T) {
	s := newTestServer(t)
	c := client{t: t, router: s.Router()}

	w := c.do("GET", "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = c.do("GET", "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")
	s.health.SetReady(true)
	w = c.do("GET", "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = c.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ledger"`)

	w = c.do("GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentmarket_")

	w = c.do("GET", "/v1/info", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"creatorShare":85`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = c.do("GET", "/v1/info", map[string]string{"X-Request-ID": "trace-123"}, nil)
	assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
}

func TestServer_ShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:***@db:5432/market", maskDSN("postgres://user:hunter2@db:5432/market"))
	assert.Equal(t, "***", maskDSN("::bad"))
	assert.Equal(t, "postgres://user@db/market", maskDSN("postgres://user@db/market"))
	assert.Equal(t, "postgres://db/market?sslmode=disable", maskDSN("postgres://db/market?sslmode=disable"))
	assert.NotContains(t, maskDSN("postgres://u:p%40ss@db/market"), "p%40ss")
}

func TestNew_RejectsBadKafkaConfig(t *testing.T) {
	cfg := testConfig()
	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.KafkaTopic = ""
	_, err := New(cfg, WithBackend(ledger.NewMemoryBackend()), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.Error(t, err)
}
