package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/idgen"
)

// Tx is one unit of work. It is only valid inside the Update or View
// callback that created it.
type Tx struct {
	kv       KV
	now      time.Time
	writable bool
	events   []events.Event
}

func newTx(kv KV, now time.Time, writable bool) *Tx {
	return &Tx{kv: kv, now: now, writable: writable}
}

// Now is the timestamp of the unit. Every record written by one unit
// carries the same time.
func (t *Tx) Now() time.Time { return t.now }

// Get decodes the record at bucket/key into v.
func (t *Tx) Get(bucket, key string, v any) error {
	raw, err := t.kv.Get(bucket, key)
	if err != nil {
		return err
	}
	if raw == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Exists reports whether bucket/key holds a record.
func (t *Tx) Exists(bucket, key string) (bool, error) {
	raw, err := t.kv.Get(bucket, key)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// Put writes v at bucket/key, replacing any previous record.
func (t *Tx) Put(bucket, key string, v any) error {
	if !t.writable {
		return ErrReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return t.kv.Put(bucket, key, raw)
}

// Insert writes v at bucket/key and fails with ErrAlreadyExists if a
// record is already there.
func (t *Tx) Insert(bucket, key string, v any) error {
	exists, err := t.Exists(bucket, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}
	return t.Put(bucket, key, v)
}

// Keys returns the keys in bucket that start with prefix, ascending.
func (t *Tx) Keys(bucket, prefix string) ([]string, error) {
	return t.kv.Keys(bucket, prefix)
}

// Emit queues an event for publication once the unit commits.
func (t *Tx) Emit(e events.Event) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now
	}
	t.events = append(t.events, e)
}

// Account returns the account of addr, or a zero account if none exists.
func (t *Tx) Account(addr string) (*Account, error) {
	addr = strings.ToLower(addr)
	var a Account
	err := t.Get(BucketAccounts, addr, &a)
	if errors.Is(err, ErrNotFound) {
		return &Account{Address: addr}, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Balance is a shortcut for Account(addr).Balance.
func (t *Tx) Balance(addr string) (uint64, error) {
	a, err := t.Account(addr)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

// Transfer moves amount from one account to another. It fails with
// ErrInsufficientBalance when from cannot cover amount and with ErrOverflow
// when the receiving balance would wrap.
func (t *Tx) Transfer(from, to string, amount uint64, kind, reference string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	from, to = strings.ToLower(from), strings.ToLower(to)
	if from == to {
		return fmt.Errorf("%w: transfer to self", ErrInvalidAmount)
	}

	src, err := t.Account(from)
	if err != nil {
		return err
	}
	dst, err := t.Account(to)
	if err != nil {
		return err
	}
	if src.Balance < amount {
		return ErrInsufficientBalance
	}
	if err := credit(dst, amount); err != nil {
		return err
	}
	if err := debit(src, amount); err != nil {
		return err
	}

	if err := t.record(src, Debit, amount, kind, to, reference); err != nil {
		return err
	}
	return t.record(dst, Credit, amount, kind, from, reference)
}

// Mint credits amount from outside the ledger.
func (t *Tx) Mint(to string, amount uint64, kind, reference string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	dst, err := t.Account(to)
	if err != nil {
		return err
	}
	if err := credit(dst, amount); err != nil {
		return err
	}
	return t.record(dst, Credit, amount, kind, "", reference)
}

// Burn debits amount to outside the ledger.
func (t *Tx) Burn(from string, amount uint64, kind, reference string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	src, err := t.Account(from)
	if err != nil {
		return err
	}
	if src.Balance < amount {
		return ErrInsufficientBalance
	}
	if err := debit(src, amount); err != nil {
		return err
	}
	return t.record(src, Debit, amount, kind, "", reference)
}

func (t *Tx) record(a *Account, direction string, amount uint64, kind, counterparty, reference string) error {
	if a.Entries == math.MaxUint64 {
		return ErrOverflow
	}
	a.Entries++
	a.UpdatedAt = t.now

	entry := Entry{
		ID:           idgen.WithPrefix("ent_"),
		Account:      a.Address,
		Kind:         kind,
		Direction:    direction,
		Amount:       amount,
		Counterparty: counterparty,
		Reference:    reference,
		BalanceAfter: a.Balance,
		CreatedAt:    t.now,
	}
	if err := t.Put(BucketEntries, entryKey(a.Address, a.Entries), entry); err != nil {
		return err
	}
	return t.Put(BucketAccounts, a.Address, a)
}

func entryKey(addr string, seq uint64) string {
	return fmt.Sprintf("%s/%020d", addr, seq)
}

func credit(a *Account, amount uint64) error {
	bal, err := AddChecked(a.Balance, amount)
	if err != nil {
		return err
	}
	in, err := AddChecked(a.TotalIn, amount)
	if err != nil {
		return err
	}
	a.Balance, a.TotalIn = bal, in
	return nil
}

func debit(a *Account, amount uint64) error {
	out, err := AddChecked(a.TotalOut, amount)
	if err != nil {
		return err
	}
	a.Balance -= amount
	a.TotalOut = out
	return nil
}

// AddChecked returns a+b or ErrOverflow if the sum does not fit in uint64.
func AddChecked(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}
