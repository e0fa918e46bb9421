package auth

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	// Helper to create service with fixed time
	createService := func(t *testing.T, secret string) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
			TokenExpiry: time.Hour,
		}

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		svc, err := NewAuthService(ctx, cfg)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")

		resp, err := svc.IssueToken("alice")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		if resp.TokenExpiry != t0Unix+3600 {
			t.Errorf("Expected expiry %d, got %d", t0Unix+3600, resp.TokenExpiry)
		}

		userID, err := svc.GetUserID(resp.Token)
		if err != nil || userID != "alice" {
			t.Errorf("Expected alice, got %q (%v)", userID, err)
		}

		other, err := svc.IssueToken("alice")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		if other.Token == resp.Token {
			t.Error("Tokens must be unique")
		}
	})

	t.Run("VerifyWithoutCache", func(t *testing.T) {
		issuer, _ := createService(t, "server-secret")
		verifier, _ := createService(t, "server-secret")

		resp, err := issuer.IssueToken("bob")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		userID, err := verifier.GetUserID(resp.Token)
		if err != nil || userID != "bob" {
			t.Errorf("Expected bob, got %q (%v)", userID, err)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		svc, now := createService(t, "server-secret")
		resp, _ := svc.IssueToken("alice")

		*now = now.Add(time.Hour)
		if _, err := svc.GetUserID(resp.Token); err != ErrTokenExpired {
			t.Errorf("Expected ErrTokenExpired, got %v", err)
		}
	})

	t.Run("Tampering", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		foreign, _ := createService(t, "other-secret")

		resp, _ := foreign.IssueToken("alice")
		if _, err := svc.GetUserID(resp.Token); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken for foreign token, got %v", err)
		}

		own, _ := svc.IssueToken("alice")
		payload, sig, _ := strings.Cut(own.Token, ".")
		raw, _ := base64.RawURLEncoding.DecodeString(payload)
		forged := base64.RawURLEncoding.EncodeToString([]byte(strings.Replace(string(raw), "alice", "mallory", 1))) + "." + sig
		if _, err := svc.GetUserID(forged); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken for forged token, got %v", err)
		}

		for _, bad := range []string{"", "garbage", "a.b", "!!!.sig"} {
			if _, err := svc.GetUserID(bad); err == nil {
				t.Errorf("Expected error for %q", bad)
			}
		}
	})

	t.Run("Logoff", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		resp, _ := svc.IssueToken("alice")

		if err := svc.Logoff(resp.Token); err != nil {
			t.Fatalf("Logoff failed: %v", err)
		}
		if _, err := svc.GetUserID(resp.Token); err != ErrTokenRevoked {
			t.Errorf("Expected ErrTokenRevoked, got %v", err)
		}
	})

	t.Run("InvalidUserID", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		if _, err := svc.IssueToken(""); err == nil {
			t.Error("Expected error for empty user id")
		}
		if _, err := svc.IssueToken("a|b"); err == nil {
			t.Error("Expected error for user id with separator")
		}
		if _, err := svc.IssueToken("a_b"); err == nil {
			t.Error("Expected error for user id with underscore")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty secret")
	}

	cfg = Config{Secret: "not base64!"}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid base64")
	}

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.TokenExpiry != DefaultTokenExpiry {
		t.Errorf("Expected default expiry, got %v", cfg.TokenExpiry)
	}
}
