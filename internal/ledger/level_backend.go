package ledger

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelBackend stores records in one LevelDB keyspace, keyed by
// bucket + 0x00 + key. Writers use LevelDB transactions, which exclude
// other writers until committed or discarded.
type LevelBackend struct {
	db *leveldb.DB
}

// OpenLevel opens (or creates) a LevelDB database at path.
func OpenLevel(path string) (*LevelBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelBackend{db: db}, nil
}

// Update implements Backend.
func (l *LevelBackend) Update(ctx context.Context, fn func(kv KV) error) error {
	tr, err := l.db.OpenTransaction()
	if err != nil {
		return err
	}
	// Discard is a no-op after a successful Commit.
	defer tr.Discard()

	if err := fn(&levelKV{reader: tr, tr: tr}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tr.Commit()
}

// View implements Backend.
func (l *LevelBackend) View(_ context.Context, fn func(kv KV) error) error {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return fn(&levelKV{reader: snap})
}

// Close implements Backend.
func (l *LevelBackend) Close() error {
	return l.db.Close()
}

type levelReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelKV struct {
	reader levelReader
	tr     *leveldb.Transaction // nil in read-only units
}

func levelKey(bucket, key string) []byte {
	k := make([]byte, 0, len(bucket)+1+len(key))
	k = append(k, bucket...)
	k = append(k, 0)
	return append(k, key...)
}

func (kv *levelKV) Get(bucket, key string) ([]byte, error) {
	v, err := kv.reader.Get(levelKey(bucket, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (kv *levelKV) Put(bucket, key string, value []byte) error {
	if kv.tr == nil {
		return ErrReadOnly
	}
	return kv.tr.Put(levelKey(bucket, key), value, nil)
}

func (kv *levelKV) Keys(bucket, prefix string) ([]string, error) {
	base := len(bucket) + 1
	it := kv.reader.NewIterator(util.BytesPrefix(levelKey(bucket, prefix)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()[base:]))
	}
	return keys, it.Error()
}
