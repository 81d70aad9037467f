// Package idgen provides random and derived identifier generation.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// New generates a random UUID (v4).
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "req_", "ak_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}

// Derive returns a deterministic ID: prefix + the first 12 bytes of
// keccak256 over the seed parts, hex encoded. Parts are length-prefixed so
// ("ab","c") and ("a","bc") never collide.
func Derive(prefix string, parts ...string) string {
	return prefix + hex.EncodeToString(seedHash(parts)[:12])
}

// DeriveAddress returns a deterministic 20-byte address in lowercase hex,
// taken from the last 20 bytes of keccak256 over the seed parts.
func DeriveAddress(parts ...string) string {
	return strings.ToLower(common.BytesToAddress(seedHash(parts)).Hex())
}

func seedHash(parts []string) []byte {
	buf := make([]byte, 0, 64)
	for _, p := range parts {
		n := len(p)
		buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		buf = append(buf, p...)
	}
	return crypto.Keccak256(buf)
}
