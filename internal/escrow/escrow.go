// Package escrow holds funds committed to one service request.
//
// Each request owns a custody account whose address is derived from the
// request ID. The custody balance is the ledger balance of that account;
// nothing else tracks it.
//
// Flow:
//  1. Request created → Deposit: requester → custody
//  2. Request approved → Disburse: custody → creator, platform, treasury
//  3. Request cancelled → Refund: custody → requester
//  4. Request disputed → funds stay in custody
package escrow

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/agentmarket/internal/idgen"
	"github.com/mbd888/agentmarket/internal/ledger"
)

// ErrInsufficientCustodyBalance means a disbursement asked for more than
// the custody account holds. Correct request handling never triggers it.
var ErrInsufficientCustodyBalance = errors.New("insufficient custody balance")

// Entry kinds written to the ledger for custody movements.
const (
	KindDeposit  = "escrow_deposit"
	KindDisburse = "escrow_disburse"
	KindRefund   = "escrow_refund"
)

var (
	movementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmarket",
			Name:      "escrow_movements_total",
			Help:      "Custody movements by kind.",
		},
		[]string{"kind"},
	)
	volumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmarket",
			Name:      "escrow_volume_total",
			Help:      "Smallest-unit amount moved through custody by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(movementsTotal, volumeTotal)
}

// AccountFor returns the custody address of a request.
func AccountFor(requestID string) string {
	return idgen.DeriveAddress("escrow", requestID)
}

// Deposit moves amount from the payer into custody.
func Deposit(tx *ledger.Tx, from, custody string, amount uint64, reference string) error {
	if err := tx.Transfer(from, custody, amount, KindDeposit, reference); err != nil {
		return fmt.Errorf("escrow deposit: %w", err)
	}
	observe(KindDeposit, amount)
	return nil
}

// Disburse pays amount out of custody to a payee.
func Disburse(tx *ledger.Tx, custody, to string, amount uint64, reference string) error {
	return release(tx, custody, to, amount, KindDisburse, reference)
}

// Refund returns amount from custody to the payer. It is a disbursement
// recorded under its own kind so refunds stand apart in the audit trail.
func Refund(tx *ledger.Tx, custody, to string, amount uint64, reference string) error {
	return release(tx, custody, to, amount, KindRefund, reference)
}

// Balance returns the current custody balance.
func Balance(tx *ledger.Tx, custody string) (uint64, error) {
	return tx.Balance(custody)
}

func release(tx *ledger.Tx, custody, to string, amount uint64, kind, reference string) error {
	bal, err := tx.Balance(custody)
	if err != nil {
		return err
	}
	if amount > bal {
		return fmt.Errorf("%w: need %d, have %d", ErrInsufficientCustodyBalance, amount, bal)
	}
	// Zero-value payees (rounding leaves a share empty) are skipped.
	if amount == 0 {
		return nil
	}
	if err := tx.Transfer(custody, to, amount, kind, reference); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	observe(kind, amount)
	return nil
}

// observe runs inside the unit, so movements of units that later roll back
// are counted too.
func observe(kind string, amount uint64) {
	movementsTotal.WithLabelValues(kind).Inc()
	volumeTotal.WithLabelValues(kind).Add(float64(amount))
}
