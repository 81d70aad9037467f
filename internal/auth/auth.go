// Package auth resolves API keys to principals.
//
// Reads are public. Mutations need a key, and the key's address is the
// acting principal. Keys are minted by an operator holding ADMIN_SECRET or
// by a principal for itself.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/agentmarket/internal/idgen"
	"github.com/mbd888/agentmarket/internal/validation"
)

var (
	ErrNoAPIKey       = errors.New("API key required")
	ErrInvalidAPIKey  = errors.New("invalid or expired API key")
	ErrKeyNotFound    = errors.New("API key not found")
	ErrInvalidAddress = errors.New("invalid principal address")
)

const (
	rawKeyPrefix = "sk_"
	keyIDPrefix  = "ak_"
	secretBytes  = 32
)

// APIKey is the stored form of a key. The raw secret is never kept.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	AgentAddr string     `json:"agentAddr"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAgent(ctx context.Context, addr string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager returns a Manager over store. A nil logger means slog.Default.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// GenerateKey mints a key for agentAddr. The raw key is returned once and
// only its hash is stored.
func (m *Manager) GenerateKey(ctx context.Context, agentAddr, name string) (string, *APIKey, error) {
	addr := validation.NormalizeAddress(agentAddr)
	if !validation.IsValidAddress(addr) {
		return "", nil, ErrInvalidAddress
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	raw := rawKeyPrefix + hex.EncodeToString(secret)

	key := &APIKey{
		ID:        idgen.WithPrefix(keyIDPrefix),
		Hash:      hashKey(raw),
		AgentAddr: addr,
		Name:      name,
		CreatedAt: m.now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves a presented key. A leading "Bearer " is accepted.
// Unknown, revoked and expired keys all report ErrInvalidAPIKey.
func (m *Manager) ValidateKey(ctx context.Context, presented string) (*APIKey, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(presented, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, rawKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	touched := *key
	touched.LastUsed = now
	go func() {
		if err := m.store.Update(context.Background(), &touched); err != nil {
			m.logger.Debug("api key last-used update failed", "key", touched.ID, "error", err)
		}
	}()
	return key, nil
}

// ListKeys returns every key of a principal, revoked ones included.
func (m *Manager) ListKeys(ctx context.Context, agentAddr string) ([]*APIKey, error) {
	return m.store.GetByAgent(ctx, validation.NormalizeAddress(agentAddr))
}

// RevokeKey revokes one of agentAddr's live keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, agentAddr string) error {
	keys, err := m.ListKeys(ctx, agentAddr)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID || k.Revoked {
			continue
		}
		k.Revoked = true
		return m.store.Update(ctx, k)
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
