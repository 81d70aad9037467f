// Package events defines the notifications emitted by settlement,
// distribution, reputation and registry operations, and the publishers that
// deliver them once the producing ledger unit has committed.
//
// Events are a side channel: no operation reads them back, and a failed
// delivery never affects the committed state that produced it.
package events

import (
	"context"
	"errors"
	"time"
)

// Type names an event.
type Type string

const (
	RequestCreated  Type = "request.created"
	RequestStarted  Type = "request.started"
	ResultSubmitted Type = "request.result_submitted"
	PaymentReleased Type = "request.payment_released"
	ResultDisputed  Type = "request.disputed"
	RequestCanceled Type = "request.cancelled"

	ConfigInitialized  Type = "royalty.config_initialized"
	ConfigUpdated      Type = "royalty.config_updated"
	PaymentDistributed Type = "royalty.payment_distributed"
	FeesWithdrawn      Type = "royalty.fees_withdrawn"
	PauseStateChanged  Type = "royalty.pause_state_changed"

	ProfileInitialized Type = "reputation.profile_initialized"
	RatingSubmitted    Type = "reputation.rating_submitted"
	RatingReported     Type = "reputation.rating_reported"
	RatingModerated    Type = "reputation.rating_moderated"

	AgentRegistered Type = "registry.agent_registered"
	AgentUpdated    Type = "registry.agent_updated"

	FundsDeposited Type = "ledger.deposited"
	FundsWithdrawn Type = "ledger.withdrawn"
)

// Event is one committed notification.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Subject   string         `json:"subject"`
	Actor     string         `json:"actor,omitempty"`
	Parties   []string       `json:"parties,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event. ID and Timestamp are filled in by the ledger unit
// that emits it.
func New(t Type, subject, actor string, data map[string]any, parties ...string) Event {
	return Event{Type: t, Subject: subject, Actor: actor, Data: data, Parties: parties}
}

// Involves reports whether addr is the actor or one of the parties.
func (e Event) Involves(addr string) bool {
	if e.Actor == addr {
		return true
	}
	for _, p := range e.Parties {
		if p == addr {
			return true
		}
	}
	return false
}

// Publisher delivers committed events. Implementations must not block the
// caller for long; slow sinks should buffer or drop.
type Publisher interface {
	Publish(ctx context.Context, evts []Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evts []Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, evts []Event) error {
	return f(ctx, evts)
}

// Nop discards everything.
var Nop Publisher = PublisherFunc(func(context.Context, []Event) error { return nil })

// Multi delivers to every publisher in order and joins their errors.
func Multi(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, evts []Event) error {
		var errs []error
		for _, p := range pubs {
			if p == nil {
				continue
			}
			if err := p.Publish(ctx, evts); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
