package registry

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/idgen"
	"github.com/mbd888/agentmarket/internal/ledger"
	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/security"
	"github.com/mbd888/agentmarket/internal/traces"
	"github.com/mbd888/agentmarket/internal/validation"
)

// Buckets owned by this package.
const (
	BucketAgents    = "agents"
	bucketByAddress = "agents_by_address"
)

// Service manages the agent directory on the ledger substrate.
type Service struct {
	ledger *ledger.Ledger
}

// NewService creates a new registry service.
func NewService(l *ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// AgentID is the directory key of creator's agent.
func AgentID(creator string) string {
	return idgen.Derive("agt_", validation.NormalizeAddress(creator))
}

// Register lists a new agent owned by creator.
func (s *Service) Register(ctx context.Context, creator string, req RegisterAgentRequest) (a *Agent, err error) {
	ctx, span := traces.StartSpan(ctx, "registry.Register", traces.Actor(creator))
	defer func() { traces.End(span, err) }()

	if !validation.IsValidAddress(creator) {
		return nil, ErrInvalidAddress
	}
	creator = validation.NormalizeAddress(creator)
	addr := creator
	if req.Address != "" {
		if !validation.IsValidAddress(req.Address) {
			return nil, ErrInvalidAddress
		}
		addr = validation.NormalizeAddress(req.Address)
	}

	a = &Agent{
		ID:           AgentID(creator),
		Address:      addr,
		Creator:      creator,
		Name:         req.Name,
		Description:  req.Description,
		Capabilities: req.Capabilities,
		Pricing:      req.Pricing,
		EndpointURL:  req.EndpointURL,
		MetadataHash: req.MetadataHash,
		IsActive:     true,
	}
	if a.Name == "" {
		return nil, ErrNameRequired
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		a.CreatedAt = tx.Now()
		a.UpdatedAt = a.CreatedAt
		if err := tx.Insert(BucketAgents, a.ID, a); err != nil {
			if errors.Is(err, ledger.ErrAlreadyExists) {
				return ErrAgentExists
			}
			return err
		}
		if err := tx.Insert(bucketByAddress, a.Address, a.ID); err != nil {
			if errors.Is(err, ledger.ErrAlreadyExists) {
				return ErrAddressTaken
			}
			return err
		}
		tx.Emit(events.New(events.AgentRegistered, a.ID, creator, map[string]any{
			"address": a.Address,
			"name":    a.Name,
		}, creator, a.Address))
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("agent registered", "agent", a.ID, "address", a.Address, "creator", creator)
	return a, nil
}

// Update changes agent id. Only its creator may update it; the address is fixed.
func (s *Service) Update(ctx context.Context, id, caller string, req UpdateAgentRequest) (a *Agent, err error) {
	ctx, span := traces.StartSpan(ctx, "registry.Update", traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if a, lerr = load(tx, id); lerr != nil {
			return lerr
		}
		if a.Creator != validation.NormalizeAddress(caller) {
			return ErrUnauthorized
		}
		if req.Name != nil {
			if *req.Name == "" {
				return ErrNameRequired
			}
			a.Name = *req.Name
		}
		if req.Description != nil {
			a.Description = *req.Description
		}
		if req.Capabilities != nil {
			a.Capabilities = *req.Capabilities
		}
		if req.Pricing != nil {
			a.Pricing = *req.Pricing
		}
		if req.EndpointURL != nil {
			a.EndpointURL = *req.EndpointURL
		}
		if req.MetadataHash != nil {
			a.MetadataHash = *req.MetadataHash
		}
		if req.IsActive != nil {
			a.IsActive = *req.IsActive
		}
		if err := a.validate(); err != nil {
			return err
		}
		a.UpdatedAt = tx.Now()
		if err := tx.Put(BucketAgents, a.ID, a); err != nil {
			return err
		}
		tx.Emit(events.New(events.AgentUpdated, a.ID, a.Creator, map[string]any{
			"isActive": a.IsActive,
		}, a.Creator, a.Address))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns agent id.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	var a *Agent
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		var err error
		a, err = load(tx, id)
		return err
	})
	return a, err
}

// GetByAddress returns the agent serving from addr.
func (s *Service) GetByAddress(ctx context.Context, addr string) (*Agent, error) {
	var a *Agent
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		var err error
		a, err = loadByAddress(tx, addr)
		return err
	})
	return a, err
}

// List returns agents matching q, ordered by ID.
func (s *Service) List(ctx context.Context, q AgentQuery) ([]*Agent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*Agent
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		keys, err := tx.Keys(BucketAgents, "")
		if err != nil {
			return err
		}
		skipped := 0
		for _, k := range keys {
			a, err := load(tx, k)
			if err != nil {
				return err
			}
			if !q.matches(a) {
				continue
			}
			if skipped < q.Offset {
				skipped++
				continue
			}
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ResolveCreator returns the creator of the agent serving from provider.
// Unlisted providers are paid directly.
func (s *Service) ResolveCreator(tx *ledger.Tx, provider string) (string, error) {
	a, err := loadByAddress(tx, provider)
	if errors.Is(err, ErrAgentNotFound) {
		return validation.NormalizeAddress(provider), nil
	}
	if err != nil {
		return "", err
	}
	return a.Creator, nil
}

// RecordService counts one approved request for the agent serving from
// provider. Unlisted providers are ignored.
func (s *Service) RecordService(tx *ledger.Tx, provider string) error {
	a, err := loadByAddress(tx, provider)
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.TotalServices == math.MaxUint64 {
		return ErrServiceCountOverflow
	}
	a.TotalServices++
	a.UpdatedAt = tx.Now()
	return tx.Put(BucketAgents, a.ID, a)
}

func (q AgentQuery) matches(a *Agent) bool {
	if q.Active != nil && a.IsActive != *q.Active {
		return false
	}
	if q.Capability == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == q.Capability {
			return true
		}
	}
	return false
}

func (a *Agent) validate() error {
	switch {
	case !validation.WithinBytes(a.Name, MaxName):
		return ErrNameTooLong
	case !validation.WithinBytes(a.Description, MaxDescription):
		return ErrDescriptionTooLong
	case !validation.WithinBytes(a.EndpointURL, MaxEndpoint):
		return ErrEndpointTooLong
	case !validation.WithinBytes(a.MetadataHash, MaxMetadataHash):
		return ErrMetadataTooLong
	case len(a.Capabilities) > MaxCapabilities:
		return ErrTooManyCapabilities
	}
	if a.EndpointURL != "" {
		if err := security.ValidateEndpointURL(a.EndpointURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
	}
	for _, c := range a.Capabilities {
		if !validation.WithinBytes(c, MaxCapabilityLen) {
			return fmt.Errorf("%w: %q", ErrCapabilityTooLong, c)
		}
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	return a.Pricing.Validate()
}

func load(tx *ledger.Tx, id string) (*Agent, error) {
	var a Agent
	if err := tx.Get(BucketAgents, id, &a); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func loadByAddress(tx *ledger.Tx, addr string) (*Agent, error) {
	var id string
	if err := tx.Get(bucketByAddress, validation.NormalizeAddress(addr), &id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return load(tx, id)
}
