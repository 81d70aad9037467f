package royalty

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/ledger"
)

const (
	admin    = "0x00000000000000000000000000000000000000ad"
	platform = "0x00000000000000000000000000000000000000f1"
	treasury = "0x00000000000000000000000000000000000000f2"
	payer    = "0x00000000000000000000000000000000000000a1"
	creator  = "0x00000000000000000000000000000000000000c1"
	stranger = "0x00000000000000000000000000000000000000ee"
)

func u8(v uint8) *uint8 { return &v }

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *events.Log) {
	t.Helper()
	log := events.NewLog(100)
	l := ledger.New(ledger.NewMemoryBackend(), ledger.WithPublisher(log))
	return NewService(l), l, log
}

func initDefault(t *testing.T, s *Service) *Config {
	t.Helper()
	cfg, err := s.Initialize(context.Background(), "", admin, InitRequest{
		CreatorShare: 85, PlatformShare: 10, TreasuryShare: 5,
		PlatformWallet: platform, TreasuryWallet: treasury,
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return cfg
}

func balance(t *testing.T, l *ledger.Ledger, addr string) uint64 {
	t.Helper()
	acct, err := l.GetBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance %s: %v", addr, err)
	}
	return acct.Balance
}

func TestInitialize(t *testing.T) {
	s, _, log := newTestService(t)
	cfg := initDefault(t, s)

	if cfg.ID != DefaultConfigID {
		t.Errorf("expected default id, got %q", cfg.ID)
	}
	if cfg.TotalDistributed != 0 || cfg.TotalTransactions != 0 || cfg.IsPaused {
		t.Errorf("expected zeroed totals, got %+v", cfg)
	}
	if cfg.Admin != admin {
		t.Errorf("expected admin %s, got %s", admin, cfg.Admin)
	}
	if len(log.OfType(events.ConfigInitialized)) != 1 {
		t.Error("expected config_initialized event")
	}

	_, err := s.Initialize(context.Background(), "", stranger, InitRequest{
		CreatorShare: 85, PlatformShare: 10, TreasuryShare: 5,
		PlatformWallet: platform, TreasuryWallet: treasury,
	})
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestInitialize_Validation(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  InitRequest
		want error
	}{
		{"shares over", InitRequest{CreatorShare: 85, PlatformShare: 10, TreasuryShare: 10, PlatformWallet: platform, TreasuryWallet: treasury}, ErrInvalidShareTotal},
		{"shares under", InitRequest{CreatorShare: 1, PlatformShare: 1, TreasuryShare: 1, PlatformWallet: platform, TreasuryWallet: treasury}, ErrInvalidShareTotal},
		{"no platform wallet", InitRequest{CreatorShare: 85, PlatformShare: 10, TreasuryShare: 5, TreasuryWallet: treasury}, ErrInvalidPlatformWallet},
		{"bad treasury wallet", InitRequest{CreatorShare: 85, PlatformShare: 10, TreasuryShare: 5, PlatformWallet: platform, TreasuryWallet: "nope"}, ErrInvalidTreasuryWallet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Initialize(ctx, "cfg", admin, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	// Nothing was created by the rejected attempts.
	if _, err := s.GetConfig(ctx, "cfg"); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestUpdate_PostUpdateTripleRevalidated(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	initDefault(t, s)

	// One share alone breaks the sum.
	if _, err := s.Update(ctx, "", admin, UpdateRequest{CreatorShare: u8(80)}); !errors.Is(err, ErrInvalidShareTotal) {
		t.Fatalf("expected ErrInvalidShareTotal, got %v", err)
	}
	cfg, _ := s.GetConfig(ctx, "")
	if cfg.CreatorShare != 85 {
		t.Fatalf("rejected update must not change shares, got %d", cfg.CreatorShare)
	}

	cfg, err := s.Update(ctx, "", admin, UpdateRequest{CreatorShare: u8(80), TreasuryShare: u8(10)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.CreatorShare != 80 || cfg.PlatformShare != 10 || cfg.TreasuryShare != 10 {
		t.Errorf("unexpected shares %d/%d/%d", cfg.CreatorShare, cfg.PlatformShare, cfg.TreasuryShare)
	}

	wallet := "0x00000000000000000000000000000000000000F3"
	cfg, err = s.Update(ctx, "", admin, UpdateRequest{PlatformWallet: &wallet})
	if err != nil {
		t.Fatalf("wallet update: %v", err)
	}
	if cfg.PlatformWallet != "0x00000000000000000000000000000000000000f3" {
		t.Errorf("expected normalized wallet, got %s", cfg.PlatformWallet)
	}
}

func TestUpdate_AdminOnly(t *testing.T) {
	s, _, _ := newTestService(t)
	initDefault(t, s)

	if _, err := s.Update(context.Background(), "", stranger, UpdateRequest{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := s.SetPause(context.Background(), "", stranger, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := s.WithdrawPlatformFees(context.Background(), "", stranger, 1, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAdminOps_AcceptAnyAddressForm(t *testing.T) {
	s, _, _ := newTestService(t)
	initDefault(t, s)
	ctx := context.Background()

	cfg, err := s.SetPause(ctx, "", strings.ToUpper(admin[2:]), true)
	if err != nil {
		t.Fatalf("pause with bare hex admin: %v", err)
	}
	if !cfg.IsPaused {
		t.Error("expected config paused")
	}
	if _, err := s.SetPause(ctx, "", "  "+strings.ToUpper(admin)+" ", false); err != nil {
		t.Fatalf("unpause with padded admin: %v", err)
	}
	if _, err := s.SetPause(ctx, "", stranger[2:], true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("bare hex stranger: expected ErrUnauthorized, got %v", err)
	}
}

func TestDistribute(t *testing.T) {
	s, l, log := newTestService(t)
	ctx := context.Background()
	initDefault(t, s)
	if err := l.Deposit(ctx, payer, 1500, "fund"); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 1000, Creator: creator})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if rec.CreatorAmount != 850 || rec.PlatformAmount != 100 || rec.TreasuryAmount != 50 || rec.Total != 1000 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Source != SourceRoyalty || rec.Beneficiary != creator || rec.Payer != payer {
		t.Errorf("unexpected record metadata %+v", rec)
	}

	for addr, want := range map[string]uint64{payer: 500, creator: 850, platform: 100, treasury: 50} {
		if got := balance(t, l, addr); got != want {
			t.Errorf("balance %s = %d, want %d", addr, got, want)
		}
	}

	stats, _ := s.Stats(ctx, "")
	if stats.TotalDistributed != 1000 || stats.TotalTransactions != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(log.OfType(events.PaymentDistributed)) != 1 {
		t.Error("expected payment_distributed event")
	}

	// A second distribution gets a distinct record.
	rec2, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 1, Creator: creator})
	if err != nil {
		t.Fatalf("second distribute: %v", err)
	}
	if rec2.ID == rec.ID {
		t.Fatal("distribution IDs must be unique per transaction")
	}
	if rec2.CreatorAmount != 0 || rec2.PlatformAmount != 0 || rec2.TreasuryAmount != 1 {
		t.Errorf("rounding loss should land on treasury, got %+v", rec2)
	}

	recs, err := s.ListDistributions(ctx, creator, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for creator, got %d", len(recs))
	}
	if all, _ := s.ListDistributions(ctx, "", 10); len(all) != 2 {
		t.Fatalf("expected 2 records overall, got %d", len(all))
	}
	if none, _ := s.ListDistributions(ctx, stranger, 10); len(none) != 0 {
		t.Fatalf("expected no records for stranger, got %d", len(none))
	}
}

func TestDistribute_Failures(t *testing.T) {
	s, l, _ := newTestService(t)
	ctx := context.Background()
	initDefault(t, s)
	if err := l.Deposit(ctx, payer, 100, "fund"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 0, Creator: creator}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 101, Creator: creator}); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := s.Distribute(ctx, "missing", payer, DistributeRequest{Amount: 1, Creator: creator}); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}

	if _, err := s.SetPause(ctx, "", admin, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 10, Creator: creator}); !errors.Is(err, ErrPaused) {
		t.Errorf("expected ErrPaused, got %v", err)
	}
	if _, err := s.SetPause(ctx, "", admin, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 10, Creator: creator}); err != nil {
		t.Errorf("expected distribute after unpause, got %v", err)
	}

	if got := balance(t, l, payer); got != 90 {
		t.Errorf("failed distributions must not move funds, payer has %d", got)
	}
}

func TestDistribute_TotalsOverflowRollsBack(t *testing.T) {
	s, l, _ := newTestService(t)
	ctx := context.Background()
	initDefault(t, s)
	if err := l.Deposit(ctx, payer, 10, "fund"); err != nil {
		t.Fatal(err)
	}

	// Push the running total to the edge directly.
	err := l.Update(ctx, func(tx *ledger.Tx) error {
		var cfg Config
		if err := tx.Get(BucketConfigs, DefaultConfigID, &cfg); err != nil {
			return err
		}
		cfg.TotalDistributed = math.MaxUint64 - 5
		return tx.Put(BucketConfigs, DefaultConfigID, &cfg)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 10, Creator: creator}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if got := balance(t, l, payer); got != 10 {
		t.Fatalf("overflow must roll back transfers, payer has %d", got)
	}
	if recs, _ := s.ListDistributions(ctx, "", 10); len(recs) != 0 {
		t.Fatalf("overflow must not append a record, got %d", len(recs))
	}
}

func TestWithdrawPlatformFees(t *testing.T) {
	s, l, log := newTestService(t)
	ctx := context.Background()
	initDefault(t, s)
	if err := l.Deposit(ctx, payer, 1000, "fund"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Distribute(ctx, "", payer, DistributeRequest{Amount: 1000, Creator: creator}); err != nil {
		t.Fatal(err)
	}

	if err := s.WithdrawPlatformFees(ctx, "", admin, 101, admin); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := s.WithdrawPlatformFees(ctx, "", admin, 0, admin); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := s.WithdrawPlatformFees(ctx, "", admin, 60, admin); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if got := balance(t, l, platform); got != 40 {
		t.Errorf("platform vault = %d, want 40", got)
	}
	if got := balance(t, l, admin); got != 60 {
		t.Errorf("destination = %d, want 60", got)
	}

	// Withdrawals are independent of the running totals.
	stats, _ := s.Stats(ctx, "")
	if stats.TotalDistributed != 1000 || stats.TotalTransactions != 1 {
		t.Errorf("withdrawal changed totals: %+v", stats)
	}
	if len(log.OfType(events.FeesWithdrawn)) != 1 {
		t.Error("expected fees_withdrawn event")
	}
}

func TestRecordDistribution_WriteOnce(t *testing.T) {
	_, l, _ := newTestService(t)
	ctx := context.Background()

	rec := &DistributionRecord{ID: "dst_fixed", Source: SourceSettlement, Beneficiary: creator, Total: 10}
	if err := l.Update(ctx, func(tx *ledger.Tx) error { return RecordDistribution(tx, rec) }); err != nil {
		t.Fatal(err)
	}
	dup := &DistributionRecord{ID: "dst_fixed", Source: SourceSettlement, Beneficiary: creator, Total: 99}
	err := l.Update(ctx, func(tx *ledger.Tx) error { return RecordDistribution(tx, dup) })
	if !errors.Is(err, ledger.ErrAlreadyExists) {
		t.Fatalf("expected ledger.ErrAlreadyExists, got %v", err)
	}
}

func TestMultipleConfigsCoexist(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	initDefault(t, s)

	other, err := s.Initialize(ctx, "partner", stranger, InitRequest{
		CreatorShare: 70, PlatformShare: 20, TreasuryShare: 10,
		PlatformWallet: platform, TreasuryWallet: treasury,
	})
	if err != nil {
		t.Fatalf("initialize partner: %v", err)
	}
	if other.Admin != stranger {
		t.Errorf("expected partner admin, got %s", other.Admin)
	}
	def, _ := s.GetConfig(ctx, DefaultConfigID)
	if def.CreatorShare != 85 {
		t.Errorf("default config changed: %+v", def)
	}
}
