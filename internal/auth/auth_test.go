package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	token, err := GenerateToken("admin", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	userID, err := ValidateToken(token, "test-secret")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != "admin" {
		t.Errorf("userID = %q, want admin", userID)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := GenerateToken("admin", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := ValidateToken(token, "other-secret"); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestValidateExpiredToken(t *testing.T) {
	token, err := GenerateToken("admin", "test-secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := ValidateToken(token, "test-secret"); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestVerifyAdminPassword(t *testing.T) {
	cfg := Config{AdminPassword: "plain"}
	if !cfg.VerifyAdminPassword("plain") {
		t.Error("plaintext match rejected")
	}
	if cfg.VerifyAdminPassword("wrong") {
		t.Error("wrong plaintext accepted")
	}

	hash, err := HashPassword("hashed-secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cfg = Config{AdminPassword: "ignored", AdminPasswordHash: hash}
	if !cfg.VerifyAdminPassword("hashed-secret") {
		t.Error("bcrypt match rejected")
	}
	if cfg.VerifyAdminPassword("ignored") {
		t.Error("hash must take precedence over the plaintext password")
	}
}
