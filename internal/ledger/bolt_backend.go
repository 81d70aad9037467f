package ledger

import (
	"bytes"
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend stores each logical bucket in a bolt bucket of the same name.
// bolt allows one writer at a time, which gives serializable units.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bolt database at path.
func OpenBolt(path string, options *bolt.Options) (*BoltBackend, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

// Update implements Backend.
func (b *BoltBackend) Update(ctx context.Context, fn func(kv KV) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := fn(&boltKV{tx: tx}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

// View implements Backend.
func (b *BoltBackend) View(_ context.Context, fn func(kv KV) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltKV{tx: tx})
	})
}

// Close implements Backend.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

type boltKV struct {
	tx *bolt.Tx
}

func (kv *boltKV) Get(bucket, key string) ([]byte, error) {
	bkt := kv.tx.Bucket([]byte(bucket))
	if bkt == nil {
		return nil, nil
	}
	// Values are only valid for the life of the transaction.
	return clone(bkt.Get([]byte(key))), nil
}

func (kv *boltKV) Put(bucket, key string, value []byte) error {
	if !kv.tx.Writable() {
		return ErrReadOnly
	}
	bkt, err := kv.tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return err
	}
	return bkt.Put([]byte(key), value)
}

func (kv *boltKV) Keys(bucket, prefix string) ([]string, error) {
	bkt := kv.tx.Bucket([]byte(bucket))
	if bkt == nil {
		return nil, nil
	}
	p := []byte(prefix)
	var keys []string
	c := bkt.Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys, nil
}
