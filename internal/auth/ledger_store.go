package auth

import (
	"context"
	"errors"

	"github.com/mbd888/agentmarket/internal/ledger"
)

const (
	bucketKeys    = "api_keys"
	bucketByHash  = "api_keys_by_hash"
	bucketByAgent = "api_keys_by_agent"
)

// LedgerStore keeps API keys in the ledger substrate, so they share the
// configured storage backend.
type LedgerStore struct {
	ledger *ledger.Ledger
}

// NewLedgerStore creates a key store on l.
func NewLedgerStore(l *ledger.Ledger) *LedgerStore {
	return &LedgerStore{ledger: l}
}

// keyRecord is the stored form of an APIKey; the hash is not rendered in API
// responses but must be persisted.
type keyRecord struct {
	APIKey
	Hash string `json:"hash"`
}

func (s *LedgerStore) Create(ctx context.Context, key *APIKey) error {
	return s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if err := tx.Insert(bucketKeys, key.ID, keyRecord{APIKey: *key, Hash: key.Hash}); err != nil {
			return err
		}
		if err := tx.Insert(bucketByHash, key.Hash, key.ID); err != nil {
			return err
		}
		return tx.Put(bucketByAgent, key.AgentAddr+"/"+key.ID, key.ID)
	})
}

func (s *LedgerStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	var key *APIKey
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		var id string
		if err := tx.Get(bucketByHash, hash, &id); err != nil {
			return err
		}
		var err error
		key, err = loadKey(tx, id)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (s *LedgerStore) GetByAgent(ctx context.Context, addr string) ([]*APIKey, error) {
	var out []*APIKey
	err := s.ledger.View(ctx, func(tx *ledger.Tx) error {
		ids, err := tx.Keys(bucketByAgent, addr+"/")
		if err != nil {
			return err
		}
		for _, k := range ids {
			var id string
			if err := tx.Get(bucketByAgent, k, &id); err != nil {
				return err
			}
			key, err := loadKey(tx, id)
			if err != nil {
				return err
			}
			out = append(out, key)
		}
		return nil
	})
	return out, err
}

// Update rewrites the mutable fields of a stored key. A revoked key stays
// revoked.
func (s *LedgerStore) Update(ctx context.Context, key *APIKey) error {
	return s.ledger.Update(ctx, func(tx *ledger.Tx) error {
		stored, err := loadKey(tx, key.ID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		stored.Name = key.Name
		stored.LastUsed = key.LastUsed
		stored.ExpiresAt = key.ExpiresAt
		stored.Revoked = stored.Revoked || key.Revoked
		return tx.Put(bucketKeys, stored.ID, keyRecord{APIKey: *stored, Hash: stored.Hash})
	})
}

func loadKey(tx *ledger.Tx, id string) (*APIKey, error) {
	var rec keyRecord
	if err := tx.Get(bucketKeys, id, &rec); err != nil {
		return nil, err
	}
	rec.APIKey.Hash = rec.Hash
	return &rec.APIKey, nil
}
