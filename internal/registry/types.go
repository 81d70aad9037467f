// Package registry implements the provider directory: agents offered by
// creators, and the mapping from an agent's address to the creator who is
// paid when its requests settle.
package registry

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrAgentNotFound       = errors.New("registry: agent not found")
	ErrAgentExists         = errors.New("registry: creator already has an agent")
	ErrAddressTaken        = errors.New("registry: agent address already registered")
	ErrInvalidAddress      = errors.New("registry: invalid agent address")
	ErrUnauthorized        = errors.New("registry: only the creator can update this agent")
	ErrNameTooLong         = errors.New("registry: agent name is too long (max 50 bytes)")
	ErrNameRequired        = errors.New("registry: agent name is required")
	ErrDescriptionTooLong  = errors.New("registry: agent description is too long (max 500 bytes)")
	ErrEndpointTooLong     = errors.New("registry: endpoint URL is too long (max 200 bytes)")
	ErrInvalidEndpoint     = errors.New("registry: invalid endpoint URL")
	ErrMetadataTooLong     = errors.New("registry: metadata hash is too long (max 100 bytes)")
	ErrTooManyCapabilities = errors.New("registry: too many capabilities (max 10)")
	ErrCapabilityTooLong   = errors.New("registry: capability is too long (max 20 bytes)")
	ErrInvalidPricing      = errors.New("registry: invalid pricing model")

	ErrServiceCountOverflow = errors.New("registry: service count overflow")
)

// Field bounds in bytes.
const (
	MaxName          = 50
	MaxDescription   = 500
	MaxEndpoint      = 200
	MaxMetadataHash  = 100
	MaxCapabilities  = 10
	MaxCapabilityLen = 20
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Agent is a service provider listed in the directory.
type Agent struct {
	ID            string    `json:"id"`      // Derived from the creator
	Address       string    `json:"address"` // Principal that serves requests
	Creator       string    `json:"creator"` // Paid on settlement
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Capabilities  []string  `json:"capabilities"`
	Pricing       Pricing   `json:"pricing"`
	EndpointURL   string    `json:"endpointUrl,omitempty"`
	MetadataHash  string    `json:"metadataHash,omitempty"` // Off-ledger metadata reference
	IsActive      bool      `json:"isActive"`
	TotalServices uint64    `json:"totalServices"` // Approved requests served
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// PricingModel names how an agent charges.
type PricingModel string

const (
	PricingPerQuery     PricingModel = "per_query"
	PricingSubscription PricingModel = "subscription"
	PricingCustom       PricingModel = "custom"
)

// Pricing is an agent's advertised price. Only the fields of Model are set.
type Pricing struct {
	Model    PricingModel `json:"model"`
	Price    uint64       `json:"price,omitempty"`    // per_query
	Monthly  uint64       `json:"monthly,omitempty"`  // subscription
	Base     uint64       `json:"base,omitempty"`     // custom
	Variable uint8        `json:"variable,omitempty"` // custom
}

// Validate checks the model and clears fields that belong to other models.
func (p *Pricing) Validate() error {
	switch p.Model {
	case PricingPerQuery:
		p.Monthly, p.Base, p.Variable = 0, 0, 0
	case PricingSubscription:
		p.Price, p.Base, p.Variable = 0, 0, 0
	case PricingCustom:
		p.Price, p.Monthly = 0, 0
	default:
		return ErrInvalidPricing
	}
	return nil
}

// -----------------------------------------------------------------------------
// Registration Types
// -----------------------------------------------------------------------------

// RegisterAgentRequest is the payload for agent registration. Address
// defaults to the creator.
type RegisterAgentRequest struct {
	Address      string   `json:"address"`
	Name         string   `json:"name" binding:"required"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Pricing      Pricing  `json:"pricing"`
	EndpointURL  string   `json:"endpointUrl"`
	MetadataHash string   `json:"metadataHash"`
}

// UpdateAgentRequest changes the non-nil fields.
type UpdateAgentRequest struct {
	Name         *string   `json:"name"`
	Description  *string   `json:"description"`
	Capabilities *[]string `json:"capabilities"`
	Pricing      *Pricing  `json:"pricing"`
	EndpointURL  *string   `json:"endpointUrl"`
	MetadataHash *string   `json:"metadataHash"`
	IsActive     *bool     `json:"isActive"`
}

// -----------------------------------------------------------------------------
// Query Types
// -----------------------------------------------------------------------------

// AgentQuery filters for listing agents
type AgentQuery struct {
	Capability string // Agents offering this capability
	Active     *bool  // Only agents in this state
	Limit      int    // Max results (default 100)
	Offset     int    // Pagination offset
}
