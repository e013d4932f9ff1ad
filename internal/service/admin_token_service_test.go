package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestAdminTokenService_IssueParse(t *testing.T) {
	svc := NewAdminTokenService("secret", time.Hour)

	token, err := svc.Issue("ops@acme", []string{"acme-hvac"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ops@acme" || claims.Role != "admin" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.AllowsTenant("acme-hvac") || claims.AllowsTenant("other") {
		t.Fatalf("tenant scope not enforced: %+v", claims.Tenants)
	}
}

func TestAdminTokenService_UnscopedAllowsAll(t *testing.T) {
	svc := NewAdminTokenService("secret", 0)
	token, err := svc.Issue("ops", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !claims.AllowsTenant("anyone") {
		t.Fatalf("token without tenants must allow every tenant")
	}
}

func TestAdminTokenService_Expired(t *testing.T) {
	svc := NewAdminTokenService("secret", time.Minute)
	issuedAt := time.Now()
	svc.now = func() time.Time { return issuedAt }
	token, err := svc.Issue("ops", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	if _, err := svc.Parse(token); !errors.Is(err, ErrAdminTokenExpired) {
		t.Fatalf("expected ErrAdminTokenExpired, got %v", err)
	}
}

func TestAdminTokenService_Rejects(t *testing.T) {
	svc := NewAdminTokenService("secret", time.Hour)
	other := NewAdminTokenService("another-secret", time.Hour)

	foreign, err := other.Issue("ops", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now := time.Now()
	nonAdmin, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminTokenIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for name, token := range map[string]string{
		"wrong secret": foreign,
		"wrong role":   nonAdmin,
		"wrong issuer": wrongIssuer,
		"garbage":      "not-a-token",
		"empty":        "",
	} {
		if _, err := svc.Parse(token); !errors.Is(err, ErrAdminTokenInvalid) {
			t.Fatalf("%s: expected ErrAdminTokenInvalid, got %v", name, err)
		}
	}
}

func TestAdminTokenService_Disabled(t *testing.T) {
	svc := NewAdminTokenService("", time.Hour)
	if svc.Enabled() {
		t.Fatalf("service without secret must be disabled")
	}
	if _, err := svc.Issue("ops", nil); !errors.Is(err, ErrAdminTokenInvalid) {
		t.Fatalf("expected ErrAdminTokenInvalid, got %v", err)
	}
	var nilSvc *AdminTokenService
	if nilSvc.Enabled() {
		t.Fatalf("nil service must be disabled")
	}
}

func TestAdminTokenService_Revoke(t *testing.T) {
	svc := NewAdminTokenService("secret", time.Hour)
	token, err := svc.Issue("ops", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := svc.Revoke(claims); err == nil {
		t.Fatalf("revoke without a store must fail")
	}

	svc.WithRevocations(NewMemoryTokenRevocationStore())
	if err := svc.Revoke(claims); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Parse(token); !errors.Is(err, ErrAdminTokenRevoked) {
		t.Fatalf("expected ErrAdminTokenRevoked, got %v", err)
	}

	other, err := svc.Issue("ops", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Parse(other); err != nil {
		t.Fatalf("a different token must stay valid: %v", err)
	}
}

type failingRevocations struct{}

func (failingRevocations) Revoke(string, time.Duration) error { return errors.New("down") }
func (failingRevocations) IsRevoked(string) (bool, error)     { return false, errors.New("down") }

func TestAdminTokenService_RevocationStoreDownRejects(t *testing.T) {
	svc := NewAdminTokenService("secret", time.Hour).WithRevocations(failingRevocations{})
	token, err := svc.Issue("ops", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Parse(token); !errors.Is(err, ErrAdminTokenInvalid) {
		t.Fatalf("expected ErrAdminTokenInvalid, got %v", err)
	}
}
