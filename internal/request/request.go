// Package request implements the service request lifecycle.
//
// Flow:
//  1. Requester creates a request → amount moves requester → custody
//  2. Provider optionally starts it, then submits a result
//  3. Requester approves → custody split 85/10/5 to creator, platform, treasury
//  4. Requester disputes → funds stay in custody for outside arbitration
//  5. Requester cancels a pending request → custody refunded in full
//
// Every operation is one ledger unit: the record change, the fund movement
// and the audit record commit together or not at all.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentmarket/internal/escrow"
	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/idgen"
	"github.com/mbd888/agentmarket/internal/ledger"
	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/metrics"
	"github.com/mbd888/agentmarket/internal/royalty"
	"github.com/mbd888/agentmarket/internal/split"
	"github.com/mbd888/agentmarket/internal/traces"
	"github.com/mbd888/agentmarket/internal/validation"
)

var (
	ErrRequestNotFound  = errors.New("service request not found")
	ErrInvalidAmount    = errors.New("invalid payment amount")
	ErrInvalidProvider  = errors.New("invalid provider address")
	ErrPayloadTooLong   = errors.New("request data is too long (max 1000 bytes)")
	ErrResultTooLong    = errors.New("result data is too long (max 2000 bytes)")
	ErrEmptyResult      = errors.New("result data is required")
	ErrReasonTooLong    = errors.New("dispute reason is too long (max 500 bytes)")
	ErrInvalidStatus    = errors.New("invalid request status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this request")
	ErrCustodyInvariant = errors.New("custody balance not zero after settlement")
)

// Payload bounds in bytes.
const (
	MaxRequestData = 1000
	MaxResultData  = 2000
	MaxReason      = 500
)

// Buckets owned by this package.
const (
	BucketRequests    = "requests"
	bucketByRequester = "requests_by_requester"
	bucketByProvider  = "requests_by_provider"
)

// Request is one service request and its settlement state.
type Request struct {
	ID            string           `json:"id"`
	ProviderAddr  string           `json:"providerAddr"`
	RequesterAddr string           `json:"requesterAddr"`
	Amount        uint64           `json:"amount"`
	Status        Status           `json:"status"`
	RequestData   string           `json:"requestData"`
	ResultData    string           `json:"resultData"`
	DisputeReason string           `json:"disputeReason,omitempty"`
	EscrowAccount string           `json:"escrowAccount"`
	Settlement    *split.Breakdown `json:"settlement,omitempty"`
	Creator       string           `json:"creator,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	StartedAt     *time.Time       `json:"startedAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	ResolvedAt    *time.Time       `json:"resolvedAt,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// CreateRequest contains the parameters for creating a service request.
type CreateRequest struct {
	ProviderAddr string `json:"providerAddr" binding:"required"`
	Amount       uint64 `json:"amount"`
	RequestData  string `json:"requestData"`
}

// PayeeResolver names the account that receives the creator share when a
// provider's request settles.
type PayeeResolver interface {
	ResolveCreator(tx *ledger.Tx, provider string) (string, error)
}

// PayeeResolverFunc adapts a function to PayeeResolver.
type PayeeResolverFunc func(tx *ledger.Tx, provider string) (string, error)

func (f PayeeResolverFunc) ResolveCreator(tx *ledger.Tx, provider string) (string, error) {
	return f(tx, provider)
}

// ServiceRecorder is implemented by resolvers that also count a provider's
// settled requests. It runs inside the approval unit.
type ServiceRecorder interface {
	RecordService(tx *ledger.Tx, provider string) error
}

// ProviderIsCreator pays the creator share to the provider itself.
var ProviderIsCreator PayeeResolver = PayeeResolverFunc(func(_ *ledger.Tx, provider string) (string, error) {
	return provider, nil
})

// Wallets are the settlement payees besides the creator.
type Wallets struct {
	Platform string
	Treasury string
}

// Service implements the service request state machine.
type Service struct {
	ledger        *ledger.Ledger
	wallets       Wallets
	payees        PayeeResolver
	providerGuard bool
}

// NewService creates a new request service settling to wallets.
func NewService(l *ledger.Ledger, wallets Wallets) *Service {
	return &Service{
		ledger: l,
		wallets: Wallets{
			Platform: validation.NormalizeAddress(wallets.Platform),
			Treasury: validation.NormalizeAddress(wallets.Treasury),
		},
		payees: ProviderIsCreator,
	}
}

// WithPayeeResolver sets how the creator payee is found at settlement.
func (s *Service) WithPayeeResolver(r PayeeResolver) *Service {
	s.payees = r
	return s
}

// WithProviderGuard makes SubmitResult reject callers other than the
// provider. Without it, the calling layer is trusted to have checked.
func (s *Service) WithProviderGuard() *Service {
	s.providerGuard = true
	return s
}

// Create opens a request and moves amount from the requester into custody.
func (s *Service) Create(ctx context.Context, requester string, req CreateRequest) (r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "request.Create", traces.Actor(requester), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if !validation.WithinBytes(req.RequestData, MaxRequestData) {
		return nil, ErrPayloadTooLong
	}
	if !validation.IsValidAddress(req.ProviderAddr) {
		return nil, ErrInvalidProvider
	}

	id := idgen.WithPrefix("req_")
	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		now := tx.Now()
		r = &Request{
			ID:            id,
			ProviderAddr:  validation.NormalizeAddress(req.ProviderAddr),
			RequesterAddr: validation.NormalizeAddress(requester),
			Amount:        req.Amount,
			Status:        StatusPending,
			RequestData:   req.RequestData,
			EscrowAccount: escrow.AccountFor(id),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Insert(BucketRequests, id, r); err != nil {
			return err
		}
		idx := indexKey(now, id)
		if err := tx.Put(bucketByRequester, r.RequesterAddr+"/"+idx, id); err != nil {
			return err
		}
		if err := tx.Put(bucketByProvider, r.ProviderAddr+"/"+idx, id); err != nil {
			return err
		}
		if err := escrow.Deposit(tx, r.RequesterAddr, r.EscrowAccount, r.Amount, id); err != nil {
			return err
		}
		tx.Emit(events.New(events.RequestCreated, id, r.RequesterAddr, map[string]any{
			"providerAddr": r.ProviderAddr,
			"amount":       r.Amount,
		}, r.RequesterAddr, r.ProviderAddr))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	logging.L(ctx).Info("service request created",
		"request", id, "requester", r.RequesterAddr, "provider", r.ProviderAddr, "amount", r.Amount)
	return r, nil
}

// Start marks a pending request as being worked on. Only the provider may
// start it.
func (s *Service) Start(ctx context.Context, id, caller string) (r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "request.Start", traces.RequestID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if r, lerr = load(tx, id); lerr != nil {
			return lerr
		}
		if !r.Status.CanTransition(StatusInProgress) {
			return statusError(r.Status, StatusInProgress)
		}
		if !sameAddr(caller, r.ProviderAddr) {
			return fmt.Errorf("%w: only the provider can start", ErrUnauthorized)
		}
		now := tx.Now()
		r.Status = StatusInProgress
		r.StartedAt = &now
		if err := s.save(tx, r); err != nil {
			return err
		}
		tx.Emit(events.New(events.RequestStarted, id, r.ProviderAddr, nil, r.RequesterAddr, r.ProviderAddr))
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(StatusInProgress)).Inc()
	return r, nil
}

// SubmitResult records the provider's result and completes the request.
func (s *Service) SubmitResult(ctx context.Context, id, caller, result string) (r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "request.SubmitResult", traces.RequestID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	if !validation.WithinBytes(result, MaxResultData) {
		return nil, ErrResultTooLong
	}
	if result == "" {
		return nil, ErrEmptyResult
	}

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if r, lerr = load(tx, id); lerr != nil {
			return lerr
		}
		if !r.Status.CanTransition(StatusCompleted) {
			return statusError(r.Status, StatusCompleted)
		}
		if s.providerGuard && !sameAddr(caller, r.ProviderAddr) {
			return fmt.Errorf("%w: only the provider can submit a result", ErrUnauthorized)
		}
		now := tx.Now()
		r.ResultData = result
		r.Status = StatusCompleted
		r.CompletedAt = &now
		if err := s.save(tx, r); err != nil {
			return err
		}
		tx.Emit(events.New(events.ResultSubmitted, id, r.ProviderAddr, nil, r.RequesterAddr, r.ProviderAddr))
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	return r, nil
}

// Approve settles a completed request: custody is split with
// split.SettlementPolicy and paid out to creator, platform and treasury in
// that order.
func (s *Service) Approve(ctx context.Context, id, caller string) (r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "request.Approve", traces.RequestID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if r, lerr = load(tx, id); lerr != nil {
			return lerr
		}
		if !r.Status.CanTransition(StatusApproved) {
			return statusError(r.Status, StatusApproved)
		}
		if !sameAddr(caller, r.RequesterAddr) {
			return fmt.Errorf("%w: only the requester can approve", ErrUnauthorized)
		}

		b, err := split.SettlementPolicy.Apply(r.Amount)
		if err != nil {
			return err
		}
		creator, err := s.payees.ResolveCreator(tx, r.ProviderAddr)
		if err != nil {
			return fmt.Errorf("resolve creator of %s: %w", r.ProviderAddr, err)
		}
		creator = validation.NormalizeAddress(creator)
		if rec, ok := s.payees.(ServiceRecorder); ok {
			if err := rec.RecordService(tx, r.ProviderAddr); err != nil {
				return fmt.Errorf("record service for %s: %w", r.ProviderAddr, err)
			}
		}

		for _, p := range []struct {
			to     string
			amount uint64
		}{
			{creator, b.Creator},
			{s.wallets.Platform, b.Platform},
			{s.wallets.Treasury, b.Treasury},
		} {
			if err := escrow.Disburse(tx, r.EscrowAccount, p.to, p.amount, id); err != nil {
				return err
			}
		}

		left, err := escrow.Balance(tx, r.EscrowAccount)
		if err != nil {
			return err
		}
		if left != 0 {
			logging.L(ctx).Error("custody not empty after settlement",
				"request", id, "custody", r.EscrowAccount, "remaining", left)
			return fmt.Errorf("%w: %d left in %s", ErrCustodyInvariant, left, r.EscrowAccount)
		}

		now := tx.Now()
		r.Status = StatusApproved
		r.Settlement = &b
		r.Creator = creator
		r.ResolvedAt = &now
		if err := s.save(tx, r); err != nil {
			return err
		}

		if err := royalty.RecordDistribution(tx, &royalty.DistributionRecord{
			ID:             idgen.Derive("dst_", royalty.SourceSettlement, id),
			Source:         royalty.SourceSettlement,
			Reference:      id,
			Payer:          r.RequesterAddr,
			Beneficiary:    creator,
			Total:          b.Total,
			CreatorAmount:  b.Creator,
			PlatformAmount: b.Platform,
			TreasuryAmount: b.Treasury,
		}); err != nil {
			return err
		}

		tx.Emit(events.New(events.PaymentReleased, id, r.RequesterAddr, map[string]any{
			"creator":        creator,
			"creatorAmount":  b.Creator,
			"platformAmount": b.Platform,
			"treasuryAmount": b.Treasury,
			"totalAmount":    b.Total,
		}, r.RequesterAddr, r.ProviderAddr, creator))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(StatusApproved)).Inc()
	metrics.SettledVolume.WithLabelValues("creator").Add(float64(r.Settlement.Creator))
	metrics.SettledVolume.WithLabelValues("platform").Add(float64(r.Settlement.Platform))
	metrics.SettledVolume.WithLabelValues("treasury").Add(float64(r.Settlement.Treasury))
	metrics.RequestDuration.Observe(r.ResolvedAt.Sub(r.CreatedAt).Seconds())
	logging.L(ctx).Info("payment released", "request", id, "creator", r.Creator, "amount", r.Amount)
	return r, nil
}

// Dispute freezes a completed request. No funds move.
func (s *Service) Dispute(ctx context.Context, id, caller, reason string) (r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "request.Dispute", traces.RequestID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	if !validation.WithinBytes(reason, MaxReason) {
		return nil, ErrReasonTooLong
	}

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if r, lerr = load(tx, id); lerr != nil {
			return lerr
		}
		if !r.Status.CanTransition(StatusDisputed) {
			return statusError(r.Status, StatusDisputed)
		}
		if !sameAddr(caller, r.RequesterAddr) {
			return fmt.Errorf("%w: only the requester can dispute", ErrUnauthorized)
		}
		now := tx.Now()
		r.Status = StatusDisputed
		r.DisputeReason = reason
		r.ResolvedAt = &now
		if err := s.save(tx, r); err != nil {
			return err
		}
		tx.Emit(events.New(events.ResultDisputed, id, r.RequesterAddr, map[string]any{
			"reason": reason,
		}, r.RequesterAddr, r.ProviderAddr))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	logging.L(ctx).Warn("service request disputed", "request", id, "held", r.Amount)
	return r, nil
}

// Cancel refunds a pending request in full. Requests already started or
// completed cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id, caller string) (r *Request, err error) {
	ctx, span := traces.StartSpan(ctx, "request.Cancel", traces.RequestID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	var refunded uint64
	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		if r, lerr = load(tx, id); lerr != nil {
			return lerr
		}
		if !r.Status.CanTransition(StatusCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s request", ErrInvalidStatus, r.Status)
		}
		if !sameAddr(caller, r.RequesterAddr) {
			return fmt.Errorf("%w: only the requester can cancel", ErrUnauthorized)
		}

		held, err := escrow.Balance(tx, r.EscrowAccount)
		if err != nil {
			return err
		}
		if err := escrow.Refund(tx, r.EscrowAccount, r.RequesterAddr, held, id); err != nil {
			return err
		}
		refunded = held

		now := tx.Now()
		r.Status = StatusCancelled
		r.ResolvedAt = &now
		if err := s.save(tx, r); err != nil {
			return err
		}
		tx.Emit(events.New(events.RequestCanceled, id, r.RequesterAddr, map[string]any{
			"refundAmount": held,
		}, r.RequesterAddr, r.ProviderAddr))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	metrics.RequestDuration.Observe(r.ResolvedAt.Sub(r.CreatedAt).Seconds())
	logging.L(ctx).Info("service request cancelled", "request", id, "refunded", refunded)
	return r, nil
}

// Get returns request id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	var r *Request
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		var err error
		r, err = load(tx, id)
		return err
	})
	return r, err
}

// Custody returns the custody address of request id and its live balance.
func (s *Service) Custody(ctx context.Context, id string) (string, uint64, error) {
	var (
		addr string
		bal  uint64
	)
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		r, err := load(tx, id)
		if err != nil {
			return err
		}
		addr = r.EscrowAccount
		bal, err = escrow.Balance(tx, addr)
		return err
	})
	return addr, bal, err
}

// ListByRequester returns the requests addr opened, newest first.
func (s *Service) ListByRequester(ctx context.Context, addr string, limit int) ([]*Request, error) {
	return s.list(ctx, bucketByRequester, addr, limit)
}

// ListByProvider returns the requests addr was asked to serve, newest first.
func (s *Service) ListByProvider(ctx context.Context, addr string, limit int) ([]*Request, error) {
	return s.list(ctx, bucketByProvider, addr, limit)
}

func (s *Service) list(ctx context.Context, bucket, addr string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := validation.NormalizeAddress(addr) + "/"

	var out []*Request
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		keys, err := tx.Keys(bucket, prefix)
		if err != nil {
			return err
		}
		for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
			var id string
			if err := tx.Get(bucket, keys[i], &id); err != nil {
				return err
			}
			r, err := load(tx, id)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// RatingEligibility checks, inside tx, that rater may rate request
// requestID and returns the provider the rating is for. Only the requester
// may rate, and only once a result exists.
func (s *Service) RatingEligibility(tx *ledger.Tx, requestID, rater string) (string, error) {
	r, err := load(tx, requestID)
	if err != nil {
		return "", err
	}
	if !sameAddr(rater, r.RequesterAddr) {
		return "", fmt.Errorf("%w: only the requester can rate", ErrUnauthorized)
	}
	if !r.Status.HasResult() {
		return "", fmt.Errorf("%w: cannot rate a %s request", ErrInvalidStatus, r.Status)
	}
	return r.ProviderAddr, nil
}

func (s *Service) save(tx *ledger.Tx, r *Request) error {
	r.UpdatedAt = tx.Now()
	return tx.Put(BucketRequests, r.ID, r)
}

func load(tx *ledger.Tx, id string) (*Request, error) {
	var r Request
	if err := tx.Get(BucketRequests, id, &r); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &r, nil
}

func statusError(from, to Status) error {
	return fmt.Errorf("%w: %s → %s", ErrInvalidStatus, from, to)
}

func indexKey(at time.Time, id string) string {
	return fmt.Sprintf("%020d/%s", at.UnixNano(), id)
}

// sameAddr compares a caller against a stored, already normalized principal.
func sameAddr(caller, stored string) bool {
	return validation.NormalizeAddress(caller) == stored
}
