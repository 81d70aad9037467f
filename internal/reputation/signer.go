package reputation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const signatureValidity = 5 * time.Minute

// Signer signs profile payloads with HMAC-SHA256 so consumers can cache
// a profile and prove where it came from.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// signedEnvelope is what the MAC covers: the payload and its validity window.
type signedEnvelope struct {
	Payload   any    `json:"payload"`
	IssuedAt  string `json:"issuedAt"`
	ExpiresAt string `json:"expiresAt"`
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign computes HMAC-SHA256 over the canonical JSON of payload together
// with the returned issue and expiry times.
func (s *Signer) Sign(payload any) (signature, issuedAt, expiresAt string, err error) {
	if s == nil {
		return "", "", "", nil
	}
	now := s.now().UTC()
	issuedAt = now.Format(time.RFC3339)
	expiresAt = now.Add(signatureValidity).Format(time.RFC3339)
	signature, err = s.mac(signedEnvelope{Payload: payload, IssuedAt: issuedAt, ExpiresAt: expiresAt})
	if err != nil {
		return "", "", "", err
	}
	return signature, issuedAt, expiresAt, nil
}

// Verify checks the signature over payload and its window, and that the
// window has not closed.
func (s *Signer) Verify(payload any, issuedAt, expiresAt, signature string) bool {
	if s == nil {
		return false
	}
	expected, err := s.mac(signedEnvelope{Payload: payload, IssuedAt: issuedAt, ExpiresAt: expiresAt})
	if err != nil || !hmac.Equal([]byte(expected), []byte(signature)) {
		return false
	}
	exp, err := time.Parse(time.RFC3339, expiresAt)
	return err == nil && s.now().Before(exp)
}

// VerifyProfile is Verify for a SignedProfile.
func (s *Signer) VerifyProfile(sp *SignedProfile) bool {
	if sp == nil || sp.Profile == nil {
		return false
	}
	return s.Verify(sp.Profile, sp.IssuedAt, sp.ExpiresAt, sp.Signature)
}

func (s *Signer) mac(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil)), nil
}

// SignProfile wraps p with a signature when s is non-nil.
func (s *Signer) SignProfile(p *Profile) *SignedProfile {
	out := &SignedProfile{Profile: p}
	if s == nil {
		return out
	}
	if sig, issued, expires, err := s.Sign(p); err == nil {
		out.Signature, out.IssuedAt, out.ExpiresAt = sig, issued, expires
	}
	return out
}
