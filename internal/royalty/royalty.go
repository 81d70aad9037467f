// Package royalty manages percentage-split configurations and the
// standalone payment distribution path.
//
// A configuration is an explicitly addressed record (DefaultConfigID unless
// the caller names another) owned by the admin that initialized it. Each
// distribution splits an amount with the configured triple, pays the
// creator, platform and treasury wallets from the caller's account, and
// appends a write-once DistributionRecord.
package royalty

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/idgen"
	"github.com/mbd888/agentmarket/internal/ledger"
	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/metrics"
	"github.com/mbd888/agentmarket/internal/split"
	"github.com/mbd888/agentmarket/internal/traces"
	"github.com/mbd888/agentmarket/internal/validation"
)

var (
	ErrInvalidShareTotal     = split.ErrInvalidShareTotal
	ErrOverflow              = ledger.ErrOverflow
	ErrInvalidAmount         = errors.New("invalid payment amount")
	ErrInsufficientFunds     = errors.New("insufficient funds for distribution")
	ErrUnauthorized          = errors.New("unauthorized admin access")
	ErrInvalidPlatformWallet = errors.New("invalid platform wallet address")
	ErrInvalidTreasuryWallet = errors.New("invalid treasury wallet address")
	ErrInvalidDestination    = errors.New("invalid withdrawal destination")
	ErrInvalidCreator        = errors.New("invalid creator address")
	ErrPaused                = errors.New("distribution is paused")
	ErrAlreadyInitialized    = errors.New("royalty config already initialized")
	ErrConfigNotFound        = errors.New("royalty config not found")
)

// DefaultConfigID addresses the deployment-wide configuration.
const DefaultConfigID = "default"

// Buckets owned by this package.
const (
	BucketConfigs       = "royalty_configs"
	BucketDistributions = "distributions"
	bucketByBeneficiary = "distributions_by_beneficiary"
	bucketByTime        = "distributions_by_time"
)

// Entry kinds written for royalty movements.
const (
	KindDistribution  = "royalty_distribution"
	KindFeeWithdrawal = "platform_fee_withdrawal"
)

// Distribution sources.
const (
	SourceRoyalty    = "royalty"
	SourceSettlement = "settlement"
)

// Config is one royalty configuration.
type Config struct {
	ID                string    `json:"id"`
	CreatorShare      uint8     `json:"creatorShare"`
	PlatformShare     uint8     `json:"platformShare"`
	TreasuryShare     uint8     `json:"treasuryShare"`
	PlatformWallet    string    `json:"platformWallet"`
	TreasuryWallet    string    `json:"treasuryWallet"`
	Admin             string    `json:"admin"`
	TotalDistributed  uint64    `json:"totalDistributed"`
	TotalTransactions uint64    `json:"totalTransactions"`
	IsPaused          bool      `json:"isPaused"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Policy returns the configured share triple.
func (c *Config) Policy() split.Policy {
	return split.Policy{Creator: c.CreatorShare, Platform: c.PlatformShare, Treasury: c.TreasuryShare}
}

// DistributionRecord is the audit entry of one split-and-transfer.
type DistributionRecord struct {
	ID             string    `json:"id"`
	ConfigID       string    `json:"configId,omitempty"`
	Source         string    `json:"source"`
	Reference      string    `json:"reference,omitempty"`
	Payer          string    `json:"payer"`
	Beneficiary    string    `json:"beneficiary"`
	Total          uint64    `json:"totalAmount"`
	CreatorAmount  uint64    `json:"creatorAmount"`
	PlatformAmount uint64    `json:"platformAmount"`
	TreasuryAmount uint64    `json:"treasuryAmount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Stats summarizes a configuration.
type Stats struct {
	ConfigID          string `json:"configId"`
	TotalDistributed  uint64 `json:"totalDistributed"`
	TotalTransactions uint64 `json:"totalTransactions"`
	CreatorShare      uint8  `json:"creatorShare"`
	PlatformShare     uint8  `json:"platformShare"`
	TreasuryShare     uint8  `json:"treasuryShare"`
	IsPaused          bool   `json:"isPaused"`
}

// InitRequest contains the parameters for initializing a configuration.
type InitRequest struct {
	CreatorShare   uint8  `json:"creatorShare"`
	PlatformShare  uint8  `json:"platformShare"`
	TreasuryShare  uint8  `json:"treasuryShare"`
	PlatformWallet string `json:"platformWallet"`
	TreasuryWallet string `json:"treasuryWallet"`
}

// UpdateRequest carries a partial update. Nil fields keep their value.
type UpdateRequest struct {
	CreatorShare   *uint8  `json:"creatorShare,omitempty"`
	PlatformShare  *uint8  `json:"platformShare,omitempty"`
	TreasuryShare  *uint8  `json:"treasuryShare,omitempty"`
	PlatformWallet *string `json:"platformWallet,omitempty"`
	TreasuryWallet *string `json:"treasuryWallet,omitempty"`
}

// DistributeRequest asks for amount to be split on behalf of creator.
type DistributeRequest struct {
	Amount  uint64 `json:"amount"`
	Creator string `json:"creator"`
}

// Service implements royalty configuration and distribution.
type Service struct {
	ledger *ledger.Ledger
}

// NewService creates a new royalty service.
func NewService(l *ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// Initialize creates configuration id with admin as its owner.
func (s *Service) Initialize(ctx context.Context, id, admin string, req InitRequest) (cfg *Config, err error) {
	ctx, span := traces.StartSpan(ctx, "royalty.Initialize", traces.ConfigID(id), traces.Actor(admin))
	defer func() { traces.End(span, err) }()

	id = configID(id)
	policy := split.Policy{Creator: req.CreatorShare, Platform: req.PlatformShare, Treasury: req.TreasuryShare}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if !validation.IsValidAddress(req.PlatformWallet) {
		return nil, ErrInvalidPlatformWallet
	}
	if !validation.IsValidAddress(req.TreasuryWallet) {
		return nil, ErrInvalidTreasuryWallet
	}

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		cfg = &Config{
			ID:             id,
			CreatorShare:   req.CreatorShare,
			PlatformShare:  req.PlatformShare,
			TreasuryShare:  req.TreasuryShare,
			PlatformWallet: validation.NormalizeAddress(req.PlatformWallet),
			TreasuryWallet: validation.NormalizeAddress(req.TreasuryWallet),
			Admin:          validation.NormalizeAddress(admin),
			CreatedAt:      tx.Now(),
			UpdatedAt:      tx.Now(),
		}
		if err := tx.Insert(BucketConfigs, id, cfg); err != nil {
			if errors.Is(err, ledger.ErrAlreadyExists) {
				return ErrAlreadyInitialized
			}
			return err
		}
		tx.Emit(events.New(events.ConfigInitialized, id, cfg.Admin, shareData(cfg)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("royalty config initialized", "config", id, "admin", cfg.Admin)
	return cfg, nil
}

// Update applies a partial update. The resulting triple must still total 100.
func (s *Service) Update(ctx context.Context, id, caller string, req UpdateRequest) (cfg *Config, err error) {
	ctx, span := traces.StartSpan(ctx, "royalty.Update", traces.ConfigID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	if req.PlatformWallet != nil && !validation.IsValidAddress(*req.PlatformWallet) {
		return nil, ErrInvalidPlatformWallet
	}
	if req.TreasuryWallet != nil && !validation.IsValidAddress(*req.TreasuryWallet) {
		return nil, ErrInvalidTreasuryWallet
	}

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		cfg, lerr = loadOwned(tx, configID(id), caller)
		if lerr != nil {
			return lerr
		}
		if req.CreatorShare != nil {
			cfg.CreatorShare = *req.CreatorShare
		}
		if req.PlatformShare != nil {
			cfg.PlatformShare = *req.PlatformShare
		}
		if req.TreasuryShare != nil {
			cfg.TreasuryShare = *req.TreasuryShare
		}
		if err := cfg.Policy().Validate(); err != nil {
			return err
		}
		if req.PlatformWallet != nil {
			cfg.PlatformWallet = validation.NormalizeAddress(*req.PlatformWallet)
		}
		if req.TreasuryWallet != nil {
			cfg.TreasuryWallet = validation.NormalizeAddress(*req.TreasuryWallet)
		}
		cfg.UpdatedAt = tx.Now()
		if err := tx.Put(BucketConfigs, cfg.ID, cfg); err != nil {
			return err
		}
		tx.Emit(events.New(events.ConfigUpdated, cfg.ID, cfg.Admin, shareData(cfg)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Distribute splits req.Amount from the caller's account across the creator
// and the configured wallets.
func (s *Service) Distribute(ctx context.Context, id, caller string, req DistributeRequest) (rec *DistributionRecord, err error) {
	ctx, span := traces.StartSpan(ctx, "royalty.Distribute",
		traces.ConfigID(id), traces.Actor(caller), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if !validation.IsValidAddress(req.Creator) {
		return nil, ErrInvalidCreator
	}
	source := validation.NormalizeAddress(caller)
	creator := validation.NormalizeAddress(req.Creator)

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		cfg, err := load(tx, configID(id))
		if err != nil {
			return err
		}
		if cfg.IsPaused {
			return ErrPaused
		}
		bal, err := tx.Balance(source)
		if err != nil {
			return err
		}
		if bal < req.Amount {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, req.Amount, bal)
		}

		b, err := cfg.Policy().Apply(req.Amount)
		if err != nil {
			return err
		}

		seq := cfg.TotalTransactions
		if cfg.TotalDistributed, err = ledger.AddChecked(cfg.TotalDistributed, req.Amount); err != nil {
			return err
		}
		if cfg.TotalTransactions, err = ledger.AddChecked(cfg.TotalTransactions, 1); err != nil {
			return err
		}

		ref := idgen.Derive("dst_", cfg.ID, strconv.FormatUint(seq, 10))
		for _, p := range []struct {
			to     string
			amount uint64
		}{
			{creator, b.Creator},
			{cfg.PlatformWallet, b.Platform},
			{cfg.TreasuryWallet, b.Treasury},
		} {
			if err := Pay(tx, source, p.to, p.amount, KindDistribution, ref); err != nil {
				return err
			}
		}

		cfg.UpdatedAt = tx.Now()
		if err := tx.Put(BucketConfigs, cfg.ID, cfg); err != nil {
			return err
		}

		rec = &DistributionRecord{
			ID:             ref,
			ConfigID:       cfg.ID,
			Source:         SourceRoyalty,
			Payer:          source,
			Beneficiary:    creator,
			Total:          b.Total,
			CreatorAmount:  b.Creator,
			PlatformAmount: b.Platform,
			TreasuryAmount: b.Treasury,
		}
		if err := RecordDistribution(tx, rec); err != nil {
			return err
		}
		tx.Emit(events.New(events.PaymentDistributed, rec.ID, source, map[string]any{
			"configId":       cfg.ID,
			"creator":        creator,
			"totalAmount":    b.Total,
			"creatorAmount":  b.Creator,
			"platformAmount": b.Platform,
			"treasuryAmount": b.Treasury,
		}, source, creator))
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("payment distributed",
		"config", configID(id), "distribution", rec.ID, "amount", rec.Total, "creator", rec.Beneficiary)
	return rec, nil
}

// SetPause gates Distribute.
func (s *Service) SetPause(ctx context.Context, id, caller string, paused bool) (cfg *Config, err error) {
	ctx, span := traces.StartSpan(ctx, "royalty.SetPause", traces.ConfigID(id), traces.Actor(caller))
	defer func() { traces.End(span, err) }()

	err = s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var lerr error
		cfg, lerr = loadOwned(tx, configID(id), caller)
		if lerr != nil {
			return lerr
		}
		cfg.IsPaused = paused
		cfg.UpdatedAt = tx.Now()
		if err := tx.Put(BucketConfigs, cfg.ID, cfg); err != nil {
			return err
		}
		tx.Emit(events.New(events.PauseStateChanged, cfg.ID, cfg.Admin, map[string]any{
			"isPaused":  paused,
			"changedBy": cfg.Admin,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Warn("royalty pause state changed", "config", cfg.ID, "paused", paused)
	return cfg, nil
}

// WithdrawPlatformFees moves amount out of the platform wallet to
// destination. Running totals are not touched.
func (s *Service) WithdrawPlatformFees(ctx context.Context, id, caller string, amount uint64, destination string) (err error) {
	ctx, span := traces.StartSpan(ctx, "royalty.WithdrawPlatformFees",
		traces.ConfigID(id), traces.Actor(caller), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	if amount == 0 {
		return ErrInvalidAmount
	}
	if !validation.IsValidAddress(destination) {
		return ErrInvalidDestination
	}
	dest := validation.NormalizeAddress(destination)

	return s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		cfg, err := loadOwned(tx, configID(id), caller)
		if err != nil {
			return err
		}
		if dest == cfg.PlatformWallet {
			return ErrInvalidDestination
		}
		bal, err := tx.Balance(cfg.PlatformWallet)
		if err != nil {
			return err
		}
		if bal < amount {
			return fmt.Errorf("%w: vault holds %d", ErrInsufficientFunds, bal)
		}
		if err := tx.Transfer(cfg.PlatformWallet, dest, amount, KindFeeWithdrawal, cfg.ID); err != nil {
			return err
		}
		tx.Emit(events.New(events.FeesWithdrawn, cfg.ID, cfg.Admin, map[string]any{
			"amount":      amount,
			"destination": dest,
			"withdrawnBy": cfg.Admin,
		}, dest))
		return nil
	})
}

// GetConfig returns configuration id.
func (s *Service) GetConfig(ctx context.Context, id string) (*Config, error) {
	var cfg *Config
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		var err error
		cfg, err = load(tx, configID(id))
		return err
	})
	return cfg, err
}

// Stats returns the running totals and shares of configuration id.
func (s *Service) Stats(ctx context.Context, id string) (*Stats, error) {
	cfg, err := s.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Stats{
		ConfigID:          cfg.ID,
		TotalDistributed:  cfg.TotalDistributed,
		TotalTransactions: cfg.TotalTransactions,
		CreatorShare:      cfg.CreatorShare,
		PlatformShare:     cfg.PlatformShare,
		TreasuryShare:     cfg.TreasuryShare,
		IsPaused:          cfg.IsPaused,
	}, nil
}

// ListDistributions returns up to limit records, newest first. An empty
// beneficiary lists every record.
func (s *Service) ListDistributions(ctx context.Context, beneficiary string, limit int) ([]*DistributionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	bucket, prefix := bucketByTime, ""
	if beneficiary != "" {
		bucket, prefix = bucketByBeneficiary, validation.NormalizeAddress(beneficiary)+"/"
	}

	var out []*DistributionRecord
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
			var rec DistributionRecord
			if err := tx.Get(BucketDistributions, id, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// RecordDistribution appends rec inside tx. Records are write-once; a
// second record with the same ID fails with ledger.ErrAlreadyExists.
func RecordDistribution(tx *ledger.Tx, rec *DistributionRecord) error {
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("dst_")
	}
	rec.CreatedAt = tx.Now()
	if err := tx.Insert(BucketDistributions, rec.ID, rec); err != nil {
		return fmt.Errorf("record distribution %s: %w", rec.ID, err)
	}
	ts := fmt.Sprintf("%020d/%s", rec.CreatedAt.UnixNano(), rec.ID)
	if err := tx.Put(bucketByTime, ts, rec.ID); err != nil {
		return err
	}
	if err := tx.Put(bucketByBeneficiary, rec.Beneficiary+"/"+ts, rec.ID); err != nil {
		return err
	}
	metrics.DistributionsTotal.WithLabelValues(rec.Source).Inc()
	return nil
}

// Pay moves amount from one account to another inside tx. Empty shares and
// payments an account makes to itself are no-ops.
func Pay(tx *ledger.Tx, from, to string, amount uint64, kind, reference string) error {
	if amount == 0 || strings.EqualFold(from, to) {
		return nil
	}
	return tx.Transfer(from, to, amount, kind, reference)
}

func configID(id string) string {
	if id == "" {
		return DefaultConfigID
	}
	return id
}

func load(tx *ledger.Tx, id string) (*Config, error) {
	var cfg Config
	if err := tx.Get(BucketConfigs, id, &cfg); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

func loadOwned(tx *ledger.Tx, id, caller string) (*Config, error) {
	cfg, err := load(tx, id)
	if err != nil {
		return nil, err
	}
	if validation.NormalizeAddress(caller) != cfg.Admin {
		return nil, ErrUnauthorized
	}
	return cfg, nil
}

func shareData(cfg *Config) map[string]any {
	return map[string]any{
		"creatorShare":   cfg.CreatorShare,
		"platformShare":  cfg.PlatformShare,
		"treasuryShare":  cfg.TreasuryShare,
		"platformWallet": cfg.PlatformWallet,
		"treasuryWallet": cfg.TreasuryWallet,
	}
}
