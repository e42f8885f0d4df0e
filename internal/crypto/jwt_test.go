package crypto

import (
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	mgr, err := NewJWTManager("master-secret")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	token, err := mgr.CreateToken("scorer-1")
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	claims, err := mgr.VerifyToken(token)
	if err != nil {
		t.Fatalf("failed to verify token: %v", err)
	}
	if claims.UserID != "scorer-1" {
		t.Fatalf("unexpected user: %q", claims.UserID)
	}
	if claims.Issuer != "sports-scores" {
		t.Fatalf("unexpected issuer: %q", claims.Issuer)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	mgr, err := NewJWTManager("master-secret")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	token, err := mgr.CreateToken("scorer-1")
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	// Corrupt the signature.
	tampered := token[:len(token)-2] + "xx"
	if tampered == token {
		tampered = token[:len(token)-2] + "yy"
	}
	if _, err := mgr.VerifyToken(tampered); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}

	if _, err := mgr.VerifyToken("not-a-token"); err == nil {
		t.Fatal("expected garbage to be rejected")
	}
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	mgr, err := NewJWTManager("master-secret")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	other, err := NewJWTManager("different-secret")
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	token, err := other.CreateToken("scorer-1")
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}
	if _, err := mgr.VerifyToken(token); err == nil {
		t.Fatal("expected a token signed with another secret to be rejected")
	}
}
