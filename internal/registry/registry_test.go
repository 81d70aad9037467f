package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/ledger"
)

const (
	creator  = "0x00000000000000000000000000000000000000c3"
	agentOps = "0x00000000000000000000000000000000000000b2"
	other    = "0x00000000000000000000000000000000000000ee"
)

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *events.Log) {
	t.Helper()
	log := events.NewLog(100)
	l := ledger.New(ledger.NewMemoryBackend(), ledger.WithPublisher(log))
	return NewService(l), l, log
}

func validRequest() RegisterAgentRequest {
	return RegisterAgentRequest{
		Address:      agentOps,
		Name:         "Summarizer",
		Description:  "Summarizes documents",
		Capabilities: []string{"summarize", "translate"},
		Pricing:      Pricing{Model: PricingPerQuery, Price: 100, Monthly: 9},
		EndpointURL:  "https://agent.example/api",
	}
}

func TestRegister(t *testing.T) {
	s, _, log := newTestService(t)

	a, err := s.Register(context.Background(), creator, validRequest())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.ID != AgentID(creator) || a.Creator != creator || a.Address != agentOps || !a.IsActive {
		t.Errorf("unexpected agent: %+v", a)
	}
	if a.Pricing.Monthly != 0 {
		t.Errorf("expected fields of other models cleared, got %+v", a.Pricing)
	}
	if len(log.OfType(events.AgentRegistered)) != 1 {
		t.Error("expected agent_registered event")
	}

	if _, err := s.Register(context.Background(), creator, validRequest()); !errors.Is(err, ErrAgentExists) {
		t.Errorf("expected ErrAgentExists, got %v", err)
	}
	if _, err := s.Register(context.Background(), other, validRequest()); !errors.Is(err, ErrAddressTaken) {
		t.Errorf("expected ErrAddressTaken, got %v", err)
	}
	if _, err := s.Get(context.Background(), AgentID(other)); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("failed registration left a record: %v", err)
	}
}

func TestRegister_DefaultAddress(t *testing.T) {
	s, _, _ := newTestService(t)
	req := validRequest()
	req.Address = ""

	a, err := s.Register(context.Background(), creator, req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Address != creator {
		t.Errorf("expected address to default to creator, got %s", a.Address)
	}
}

func TestRegister_Validation(t *testing.T) {
	s, _, _ := newTestService(t)

	cases := []struct {
		name   string
		mutate func(*RegisterAgentRequest)
		want   error
	}{
		{"empty name", func(r *RegisterAgentRequest) { r.Name = "" }, ErrNameRequired},
		{"long name", func(r *RegisterAgentRequest) { r.Name = strings.Repeat("n", MaxName+1) }, ErrNameTooLong},
		{"long description", func(r *RegisterAgentRequest) { r.Description = strings.Repeat("d", MaxDescription+1) }, ErrDescriptionTooLong},
		{"long endpoint", func(r *RegisterAgentRequest) { r.EndpointURL = strings.Repeat("e", MaxEndpoint+1) }, ErrEndpointTooLong},
		{"loopback endpoint", func(r *RegisterAgentRequest) { r.EndpointURL = "http://127.0.0.1:8080/run" }, ErrInvalidEndpoint},
		{"endpoint scheme", func(r *RegisterAgentRequest) { r.EndpointURL = "ftp://agent.example" }, ErrInvalidEndpoint},
		{"long metadata", func(r *RegisterAgentRequest) { r.MetadataHash = strings.Repeat("m", MaxMetadataHash+1) }, ErrMetadataTooLong},
		{"too many capabilities", func(r *RegisterAgentRequest) { r.Capabilities = make([]string, MaxCapabilities+1) }, ErrTooManyCapabilities},
		{"long capability", func(r *RegisterAgentRequest) { r.Capabilities = []string{strings.Repeat("c", MaxCapabilityLen+1)} }, ErrCapabilityTooLong},
		{"no pricing", func(r *RegisterAgentRequest) { r.Pricing = Pricing{} }, ErrInvalidPricing},
		{"bad address", func(r *RegisterAgentRequest) { r.Address = "0x123" }, ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			if _, err := s.Register(context.Background(), creator, req); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}

	req := validRequest()
	req.Name = strings.Repeat("n", MaxName)
	req.Capabilities = make([]string, MaxCapabilities)
	if _, err := s.Register(context.Background(), creator, req); err != nil {
		t.Errorf("expected values at the bounds to pass, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	s, _, log := newTestService(t)
	a, err := s.Register(context.Background(), creator, validRequest())
	if err != nil {
		t.Fatal(err)
	}

	inactive := false
	name := "Renamed"
	if _, err := s.Update(context.Background(), a.ID, other, UpdateAgentRequest{Name: &name}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	got, err := s.Update(context.Background(), a.ID, creator, UpdateAgentRequest{
		Name:     &name,
		IsActive: &inactive,
		Pricing:  &Pricing{Model: PricingCustom, Base: 10, Variable: 3},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != name || got.IsActive || got.Pricing.Base != 10 || got.Description != "Summarizes documents" {
		t.Errorf("unexpected update result: %+v", got)
	}
	if len(log.OfType(events.AgentUpdated)) != 1 {
		t.Error("expected agent_updated event")
	}

	long := strings.Repeat("x", MaxDescription+1)
	if _, err := s.Update(context.Background(), a.ID, creator, UpdateAgentRequest{Description: &long}); !errors.Is(err, ErrDescriptionTooLong) {
		t.Errorf("expected ErrDescriptionTooLong, got %v", err)
	}
	if after, _ := s.Get(context.Background(), a.ID); after.Description != "Summarizes documents" {
		t.Error("rejected update was persisted")
	}
}

func TestList(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	for i, addr := range []string{
		"0x00000000000000000000000000000000000000d1",
		"0x00000000000000000000000000000000000000d2",
		"0x00000000000000000000000000000000000000d3",
	} {
		req := validRequest()
		req.Address = ""
		if i == 2 {
			req.Capabilities = []string{"vision"}
		}
		if _, err := s.Register(ctx, addr, req); err != nil {
			t.Fatal(err)
		}
	}
	inactive := false
	if _, err := s.Update(ctx, AgentID("0x00000000000000000000000000000000000000d1"), "0x00000000000000000000000000000000000000d1", UpdateAgentRequest{IsActive: &inactive}); err != nil {
		t.Fatal(err)
	}

	all, _ := s.List(ctx, AgentQuery{})
	if len(all) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(all))
	}
	vision, _ := s.List(ctx, AgentQuery{Capability: "vision"})
	if len(vision) != 1 {
		t.Errorf("expected 1 vision agent, got %d", len(vision))
	}
	active := true
	live, _ := s.List(ctx, AgentQuery{Active: &active})
	if len(live) != 2 {
		t.Errorf("expected 2 active agents, got %d", len(live))
	}
	page, _ := s.List(ctx, AgentQuery{Limit: 1, Offset: 2})
	if len(page) != 1 || page[0].ID != all[2].ID {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestResolveCreator(t *testing.T) {
	s, l, _ := newTestService(t)
	if _, err := s.Register(context.Background(), creator, validRequest()); err != nil {
		t.Fatal(err)
	}

	err := l.View(context.Background(), func(tx *ledger.Tx) error {
		got, err := s.ResolveCreator(tx, strings.ToUpper(agentOps[2:]))
		if err != nil {
			return err
		}
		if got != creator {
			t.Errorf("expected creator %s, got %s", creator, got)
		}

		got, err = s.ResolveCreator(tx, other)
		if err != nil {
			return err
		}
		if got != other {
			t.Errorf("expected unlisted provider paid directly, got %s", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRecordService(t *testing.T) {
	s, l, _ := newTestService(t)
	ctx := context.Background()
	a, err := s.Register(ctx, creator, validRequest())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := l.Update(ctx, func(tx *ledger.Tx) error {
			return s.RecordService(tx, strings.ToUpper(agentOps[2:]))
		}); err != nil {
			t.Fatalf("record service: %v", err)
		}
	}
	if err := l.Update(ctx, func(tx *ledger.Tx) error { return s.RecordService(tx, other) }); err != nil {
		t.Fatalf("unlisted provider should be ignored: %v", err)
	}

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalServices != 2 {
		t.Errorf("TotalServices = %d, want 2", got.TotalServices)
	}

	name := "Renamed"
	updated, err := s.Update(ctx, a.ID, creator, UpdateAgentRequest{Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	if updated.TotalServices != 2 {
		t.Errorf("update reset TotalServices to %d", updated.TotalServices)
	}
}
