// Package ledger is the transactional substrate for settlement.
//
// Every mutating operation runs as one unit of work (Update): reads see
// earlier writes of the same unit, and either every write of the unit
// commits or none does. Balances, history entries and domain records all
// live in the same unit, so an operation that moves funds and changes a
// record can never be half-applied.
//
// Flow:
//  1. External funds are credited with Deposit (payment rail callback)
//  2. Domain services move funds between accounts inside Update
//  3. Events emitted by a unit are published after it commits
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/logging"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
	ErrNotFound            = errors.New("record not found")
	ErrAlreadyExists       = errors.New("record already exists")
	ErrOverflow            = errors.New("arithmetic overflow")
	ErrReadOnly            = errors.New("write in read-only unit")
)

// Buckets owned by the ledger itself.
const (
	BucketAccounts = "accounts"
	BucketEntries  = "entries"
	BucketDeposits = "deposits"
)

// Entry kinds for external funding.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
)

// Direction of an entry relative to its account.
const (
	Credit = "credit"
	Debit  = "debit"
)

// Account is the balance record of one address.
type Account struct {
	Address   string    `json:"address"`
	Balance   uint64    `json:"balance"`
	TotalIn   uint64    `json:"totalIn"`
	TotalOut  uint64    `json:"totalOut"`
	Entries   uint64    `json:"entries"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Entry is one balance movement as seen from one account.
type Entry struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Kind         string    `json:"kind"`
	Direction    string    `json:"direction"`
	Amount       uint64    `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	BalanceAfter uint64    `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sets where committed events are delivered.
func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger runs units of work against a Backend.
type Ledger struct {
	backend   Backend
	publisher events.Publisher
	now       func() time.Time
}

// New creates a ledger over backend.
func New(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend:   backend,
		publisher: events.Nop,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Update runs fn as one all-or-nothing unit. If fn returns an error nothing
// it wrote is kept. Events emitted by fn are published after commit.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := observeUnit()
	var committed []events.Event
	err := l.backend.Update(ctx, func(kv KV) error {
		tx := newTx(kv, l.now(), true)
		if err := fn(tx); err != nil {
			return err
		}
		committed = tx.events
		return nil
	})
	done(err)
	if err != nil {
		return err
	}

	if len(committed) > 0 {
		if perr := l.publisher.Publish(context.WithoutCancel(ctx), committed); perr != nil {
			logging.L(ctx).Warn("event delivery failed", "events", len(committed), "error", perr)
		}
	}
	return nil
}

// View runs fn against a consistent read-only snapshot.
func (l *Ledger) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.backend.View(ctx, func(kv KV) error {
		return fn(newTx(kv, l.now(), false))
	})
}

// Deposit credits external funds to addr. reference identifies the external
// payment and may be credited only once.
func (l *Ledger) Deposit(ctx context.Context, addr string, amount uint64, reference string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if reference == "" {
		return fmt.Errorf("%w: deposit reference required", ErrInvalidAmount)
	}
	addr = strings.ToLower(addr)

	err := l.Update(ctx, func(tx *Tx) error {
		if err := tx.Insert(BucketDeposits, reference, depositMarker{Address: addr, Amount: amount, At: tx.Now()}); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				return ErrDuplicateDeposit
			}
			return err
		}
		if err := tx.Mint(addr, amount, KindDeposit, reference); err != nil {
			return err
		}
		tx.Emit(events.New(events.FundsDeposited, addr, addr, map[string]any{
			"amount":    amount,
			"reference": reference,
		}))
		return nil
	})
	if err == nil {
		opsTotal.WithLabelValues(KindDeposit).Inc()
	}
	return err
}

// Withdraw moves funds out of the ledger to an external destination.
func (l *Ledger) Withdraw(ctx context.Context, addr string, amount uint64, reference string) error {
	addr = strings.ToLower(addr)
	err := l.Update(ctx, func(tx *Tx) error {
		if err := tx.Burn(addr, amount, KindWithdrawal, reference); err != nil {
			return err
		}
		tx.Emit(events.New(events.FundsWithdrawn, addr, addr, map[string]any{
			"amount":    amount,
			"reference": reference,
		}))
		return nil
	})
	if err == nil {
		opsTotal.WithLabelValues(KindWithdrawal).Inc()
	}
	return err
}

// GetBalance returns the account record of addr. Unknown addresses have a
// zero balance.
func (l *Ledger) GetBalance(ctx context.Context, addr string) (*Account, error) {
	var acct *Account
	err := l.View(ctx, func(tx *Tx) error {
		var err error
		acct, err = tx.Account(addr)
		return err
	})
	return acct, err
}

// GetHistory returns up to limit entries of addr, newest first.
func (l *Ledger) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	addr = strings.ToLower(addr)

	var out []*Entry
	err := l.View(ctx, func(tx *Tx) error {
		keys, err := tx.Keys(BucketEntries, addr+"/")
		if err != nil {
			return err
		}
		for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
			var e Entry
			if err := tx.Get(BucketEntries, keys[i], &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// Ping checks that the backend can serve a read.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.View(ctx, func(tx *Tx) error {
		_, err := tx.Keys(BucketAccounts, "\xff")
		return err
	})
}

// Close releases the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}

type depositMarker struct {
	Address string    `json:"address"`
	Amount  uint64    `json:"amount"`
	At      time.Time `json:"at"`
}
