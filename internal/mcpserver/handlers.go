package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MarketClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MarketClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance reports the caller's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get balance: %v", err)), nil
	}

	var resp struct {
		Account accountView `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	a := resp.Account
	return mcp.NewToolResultText(fmt.Sprintf(
		"Balance for %s:\n"+
			"  Available: %d\n"+
			"  Total in:  %d\n"+
			"  Total out: %d",
		a.Address, a.Balance, a.TotalIn, a.TotalOut)), nil
}

// HandleListAgents lists registered agents.
func (h *Handlers) HandleListAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capability := req.GetString("capability", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListAgents(ctx, capability, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}

	text, err := formatAgentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetReputation returns an agent's reputation profile.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		return mcp.NewToolResultError("agent_address is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateRequest opens a request and escrows the payment.
func (h *Handlers) HandleCreateRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider := req.GetString("provider", "")
	if provider == "" {
		return mcp.NewToolResultError("provider is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive integer"), nil
	}

	raw, err := h.client.CreateRequest(ctx, provider, uint64(amount), req.GetString("request_data", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}

	r, err := parseRequest(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse request: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Request %s created.\n"+
			"Provider: %s\n"+
			"Escrowed: %d (account %s)\n\n"+
			"Funds stay in escrow until you approve the result. "+
			"Use cancel_request for a refund before the provider starts, or dispute_request to reject a delivered result.",
		r.ID, r.ProviderAddr, r.Amount, r.EscrowAccount)), nil
}

// HandleGetRequest shows one request.
func (h *Handlers) HandleGetRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	raw, err := h.client.GetRequest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get request: %v", err)), nil
	}
	r, err := parseRequest(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse request: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRequest(r)), nil
}

// HandleListRequests lists the caller's requests.
func (h *Handlers) HandleListRequests(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "requester")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListRequests(ctx, role, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list requests: %v", err)), nil
	}

	var resp struct {
		Requests []requestView `json:"requests"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse requests: %v", err)), nil
	}
	if len(resp.Requests) == 0 {
		return mcp.NewToolResultText("No requests found."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d request(s) as %s:\n\n", len(resp.Requests), role))
	for i, r := range resp.Requests {
		counterparty := r.ProviderAddr
		if role == "provider" {
			counterparty = r.RequesterAddr
		}
		sb.WriteString(fmt.Sprintf("%d. %s [%s] %d with %s\n", i+1, r.ID, r.Status, r.Amount, counterparty))
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

// HandleStartRequest moves a pending request to in_progress.
func (h *Handlers) HandleStartRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "start", nil, "Request %s started.")
}

// HandleSubmitResult delivers the provider's result.
func (h *Handlers) HandleSubmitResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := req.GetString("result", "")
	if result == "" {
		return mcp.NewToolResultError("result is required"), nil
	}
	return h.transition(ctx, req, "result", map[string]string{"resultData": result},
		"Result submitted for request %s. Waiting for the requester to approve or dispute.")
}

// HandleApproveRequest settles a completed request.
func (h *Handlers) HandleApproveRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	raw, err := h.client.Transition(ctx, id, "approve", nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approve failed: %v", err)), nil
	}
	r, err := parseRequest(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse request: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Request %s approved and settled.\n", r.ID))
	if s := r.Settlement; s != nil {
		payee := r.Creator
		if payee == "" {
			payee = r.ProviderAddr
		}
		sb.WriteString(fmt.Sprintf("  Creator (%s): %d\n", payee, s.Creator))
		sb.WriteString(fmt.Sprintf("  Platform:  %d\n", s.Platform))
		sb.WriteString(fmt.Sprintf("  Treasury:  %d\n", s.Treasury))
	}
	sb.WriteString("Use rate_provider to leave a rating.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDisputeRequest rejects a completed result. Funds stay in custody.
func (h *Handlers) HandleDisputeRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	return h.transition(ctx, req, "dispute", map[string]string{"reason": reason},
		"Request %s disputed. The payment stays held in escrow pending arbitration.")
}

// HandleCancelRequest refunds a pending request.
func (h *Handlers) HandleCancelRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return h.transition(ctx, req, "cancel", nil,
		"Request %s cancelled. The escrow was refunded to your balance.")
}

func (h *Handlers) transition(ctx context.Context, req mcp.CallToolRequest, action string, body any, done string) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	if _, err := h.client.Transition(ctx, id, action, body); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", capitalize(action), err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(done, id)), nil
}

// HandleRateProvider submits a rating for an approved request.
func (h *Handlers) HandleRateProvider(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := RatingInput{
		RequestID:  req.GetString("request_id", ""),
		ReviewText: req.GetString("review", ""),
	}
	if in.RequestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	for _, f := range []struct {
		name string
		dst  *uint8
	}{
		{"stars", &in.Stars},
		{"quality", &in.Quality},
		{"speed", &in.Speed},
		{"value", &in.Value},
	} {
		v := req.GetInt(f.name, 0)
		if v < 1 || v > 5 {
			return mcp.NewToolResultError(f.name + " must be between 1 and 5"), nil
		}
		*f.dst = uint8(v)
	}

	raw, err := h.client.SubmitRating(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Rating failed: %v", err)), nil
	}
	var resp struct {
		Rating struct {
			ID        string `json:"id"`
			AgentAddr string `json:"agentAddr"`
		} `json:"rating"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rating: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Rated %s %d/5 for request %s.\nRating ID: %s",
		resp.Rating.AgentAddr, in.Stars, in.RequestID, resp.Rating.ID)), nil
}

// HandleGetRoyaltyConfig shows a royalty config.
func (h *Handlers) HandleGetRoyaltyConfig(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetRoyaltyConfig(ctx, req.GetString("config_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get royalty config: %v", err)), nil
	}

	var resp struct {
		Config struct {
			ID                string `json:"id"`
			CreatorShare      uint8  `json:"creatorShare"`
			PlatformShare     uint8  `json:"platformShare"`
			TreasuryShare     uint8  `json:"treasuryShare"`
			TotalDistributed  uint64 `json:"totalDistributed"`
			TotalTransactions uint64 `json:"totalTransactions"`
			IsPaused          bool   `json:"isPaused"`
		} `json:"config"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse royalty config: %v", err)), nil
	}
	c := resp.Config
	status := "active"
	if c.IsPaused {
		status = "paused"
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Royalty config %s (%s):\n"+
			"  Split: %d/%d/%d (creator/platform/treasury)\n"+
			"  Distributed: %d over %d distribution(s)",
		c.ID, status, c.CreatorShare, c.PlatformShare, c.TreasuryShare,
		c.TotalDistributed, c.TotalTransactions)), nil
}

// HandleDistributeRoyalty splits an amount from the caller's balance.
func (h *Handlers) HandleDistributeRoyalty(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	creator := req.GetString("creator", "")
	if creator == "" {
		return mcp.NewToolResultError("creator is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive integer"), nil
	}

	raw, err := h.client.DistributeRoyalty(ctx, req.GetString("config_id", ""), creator, uint64(amount))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Distribution failed: %v", err)), nil
	}
	var resp struct {
		Distribution json.RawMessage `json:"distribution"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Distribution == nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}
	return mcp.NewToolResultText("Distribution recorded:\n" + formatJSON(resp.Distribution)), nil
}

// --- Formatting helpers ---

type accountView struct {
	Address  string `json:"address"`
	Balance  uint64 `json:"balance"`
	TotalIn  uint64 `json:"totalIn"`
	TotalOut uint64 `json:"totalOut"`
}

type settlementView struct {
	Creator  uint64 `json:"creator"`
	Platform uint64 `json:"platform"`
	Treasury uint64 `json:"treasury"`
}

type requestView struct {
	ID            string          `json:"id"`
	ProviderAddr  string          `json:"providerAddr"`
	RequesterAddr string          `json:"requesterAddr"`
	Amount        uint64          `json:"amount"`
	Status        string          `json:"status"`
	RequestData   string          `json:"requestData"`
	ResultData    string          `json:"resultData"`
	DisputeReason string          `json:"disputeReason"`
	EscrowAccount string          `json:"escrowAccount"`
	Creator       string          `json:"creator"`
	Settlement    *settlementView `json:"settlement"`
}

func parseRequest(raw json.RawMessage) (requestView, error) {
	var resp struct {
		Request *requestView `json:"request"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return requestView{}, err
	}
	if resp.Request == nil || resp.Request.ID == "" {
		return requestView{}, fmt.Errorf("no request in response: %s", string(raw))
	}
	return *resp.Request, nil
}

func formatRequest(r requestView) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Request %s\n", r.ID))
	sb.WriteString(fmt.Sprintf("  Status:    %s\n", r.Status))
	sb.WriteString(fmt.Sprintf("  Requester: %s\n", r.RequesterAddr))
	sb.WriteString(fmt.Sprintf("  Provider:  %s\n", r.ProviderAddr))
	sb.WriteString(fmt.Sprintf("  Amount:    %d\n", r.Amount))
	if r.RequestData != "" {
		sb.WriteString(fmt.Sprintf("  Request:   %s\n", r.RequestData))
	}
	if r.ResultData != "" {
		sb.WriteString(fmt.Sprintf("  Result:    %s\n", r.ResultData))
	}
	if r.DisputeReason != "" {
		sb.WriteString(fmt.Sprintf("  Dispute:   %s\n", r.DisputeReason))
	}
	if s := r.Settlement; s != nil {
		sb.WriteString(fmt.Sprintf("  Settled:   %d/%d/%d (creator/platform/treasury)\n", s.Creator, s.Platform, s.Treasury))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatReputation(raw json.RawMessage) (string, error) {
	var resp struct {
		Profile *struct {
			AgentAddr     string `json:"agentAddr"`
			TotalRatings  uint64 `json:"totalRatings"`
			AverageRating uint32 `json:"averageRating"`
			QualityScore  uint32 `json:"qualityScore"`
			SpeedScore    uint32 `json:"speedScore"`
			ValueScore    uint32 `json:"valueScore"`
		} `json:"profile"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	p := resp.Profile
	if p == nil {
		return "", fmt.Errorf("no profile in response")
	}

	var sb strings.Builder
	sb.WriteString("Agent Reputation:\n")
	sb.WriteString(fmt.Sprintf("  Address: %s\n", p.AgentAddr))
	sb.WriteString(fmt.Sprintf("  Ratings: %d\n", p.TotalRatings))
	if p.TotalRatings > 0 {
		sb.WriteString(fmt.Sprintf("  Average: %d/5\n", p.AverageRating))
		sb.WriteString(fmt.Sprintf("  Quality: %d/5 | Speed: %d/5 | Value: %d/5\n",
			p.QualityScore, p.SpeedScore, p.ValueScore))
	}
	if resp.Signature != "" {
		sb.WriteString("  Signed: yes\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatAgentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Agents []struct {
			Name         string   `json:"name"`
			Address      string   `json:"address"`
			Description  string   `json:"description"`
			Capabilities []string `json:"capabilities"`
			Pricing      struct {
				Model string `json:"model"`
				Price uint64 `json:"price"`
			} `json:"pricing"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Agents == nil {
		return "", fmt.Errorf("unexpected agents response format")
	}
	if len(resp.Agents) == 0 {
		return "No agents found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d agent(s):\n\n", len(resp.Agents)))
	for i, a := range resp.Agents {
		sb.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, a.Name, a.Address))
		if a.Description != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", a.Description))
		}
		if len(a.Capabilities) > 0 {
			sb.WriteString(fmt.Sprintf("   Capabilities: %s\n", strings.Join(a.Capabilities, ", ")))
		}
		if a.Pricing.Model != "" {
			sb.WriteString(fmt.Sprintf("   Pricing: %s %d\n", a.Pricing.Model, a.Pricing.Price))
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
