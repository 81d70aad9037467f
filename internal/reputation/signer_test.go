package reputation

import (
	"testing"
	"time"
)

func TestSigner(t *testing.T) {
	if NewSigner("") != nil {
		t.Fatal("empty secret should disable signing")
	}

	s := NewSigner("secret")
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	p := &Profile{AgentAddr: agent, TotalRatings: 2, AverageRating: 4}
	signed := s.SignProfile(p)
	if signed.Signature == "" {
		t.Fatal("expected signature")
	}
	if signed.IssuedAt != "2026-05-01T12:00:00Z" || signed.ExpiresAt != "2026-05-01T12:05:00Z" {
		t.Errorf("unexpected window %s..%s", signed.IssuedAt, signed.ExpiresAt)
	}
	if !s.VerifyProfile(signed) {
		t.Error("signature should verify")
	}

	tampered := *p
	tampered.AverageRating = 5
	if s.Verify(&tampered, signed.IssuedAt, signed.ExpiresAt, signed.Signature) {
		t.Error("tampered profile should not verify")
	}
	if NewSigner("other").VerifyProfile(signed) {
		t.Error("other secret should not verify")
	}

	var disabled *Signer
	if out := disabled.SignProfile(p); out.Signature != "" || out.Profile != p {
		t.Errorf("nil signer should pass profile through, got %+v", out)
	}
	if disabled.VerifyProfile(signed) {
		t.Error("nil signer should not verify")
	}
}

func TestSigner_WindowIsSigned(t *testing.T) {
	s := NewSigner("secret")
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	signed := s.SignProfile(&Profile{AgentAddr: agent, TotalRatings: 1, AverageRating: 5})

	extended := *signed
	extended.ExpiresAt = "2027-01-01T00:00:00Z"
	if s.VerifyProfile(&extended) {
		t.Error("a moved expiry must not verify")
	}
	backdated := *signed
	backdated.IssuedAt = "2026-04-01T12:00:00Z"
	if s.VerifyProfile(&backdated) {
		t.Error("a moved issue time must not verify")
	}

	s.now = func() time.Time { return fixed.Add(signatureValidity) }
	if s.VerifyProfile(signed) {
		t.Error("an expired signature must not verify")
	}
	s.now = func() time.Time { return fixed.Add(signatureValidity - time.Second) }
	if !s.VerifyProfile(signed) {
		t.Error("signature should verify inside its window")
	}
}
