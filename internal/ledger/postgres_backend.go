package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrConflict is returned when Postgres aborts a unit because it could not
// be serialized against a concurrent one. Nothing was written; the caller
// may retry.
var ErrConflict = errors.New("concurrent update conflict")

// serializationFailure is the SQLSTATE for a serializable isolation abort.
const serializationFailure = "40001"

// PostgresBackend stores records in the ledger_kv table. Every unit runs
// in one SERIALIZABLE transaction; reads in writable units lock the row.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps an open database handle. The schema comes from
// migrations/001_ledger_kv.sql.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Update implements Backend.
func (p *PostgresBackend) Update(ctx context.Context, fn func(kv KV) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgKV{ctx: ctx, tx: tx, writable: true}); err != nil {
		return classifyPG(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyPG(err)
	}
	return nil
}

// View implements Backend.
func (p *PostgresBackend) View(ctx context.Context, fn func(kv KV) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&pgKV{ctx: ctx, tx: tx})
}

// Close implements Backend.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

// Ping checks connectivity.
func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func classifyPG(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == serializationFailure {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}

type pgKV struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (kv *pgKV) Get(bucket, key string) ([]byte, error) {
	q := `SELECT value FROM ledger_kv WHERE bucket = $1 AND key = $2`
	if kv.writable {
		q += ` FOR UPDATE`
	}
	var value []byte
	err := kv.tx.QueryRowContext(kv.ctx, q, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (kv *pgKV) Put(bucket, key string, value []byte) error {
	if !kv.writable {
		return ErrReadOnly
	}
	_, err := kv.tx.ExecContext(kv.ctx, `
		INSERT INTO ledger_kv (bucket, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		bucket, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (kv *pgKV) Keys(bucket, prefix string) ([]string, error) {
	rows, err := kv.tx.QueryContext(kv.ctx, `
		SELECT key FROM ledger_kv
		WHERE bucket = $1 AND left(key, char_length($2)) = $2
		ORDER BY key COLLATE "C"`,
		bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("keys %s/%s: %w", bucket, prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*BoltBackend)(nil)
	_ Backend = (*LevelBackend)(nil)
	_ Backend = (*PostgresBackend)(nil)
)
