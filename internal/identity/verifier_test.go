package identity

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"pagescribe/pkg/domain"
)

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := v.Issue(domain.Identity{UserID: "u1", UserName: "Ada", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	who, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if who.UserID != "u1" || who.UserName != "Ada" || who.Role != domain.RoleAdmin {
		t.Fatalf("unexpected identity: %+v", who)
	}
}

func TestVerifyDefaultsMissingRoleToUser(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := signToken(t, v, Claims{
		RegisteredClaims: registeredClaims("u2", v),
	})
	who, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if who.Role != domain.RoleUser {
		t.Fatalf("expected default role user, got %q", who.Role)
	}
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := signToken(t, v, Claims{
		Role:             "owner",
		RegisteredClaims: registeredClaims("u3", v),
	})
	if _, err := v.Verify(token); err == nil {
		t.Fatalf("expected unknown role to fail")
	}
}

func TestVerifyRejectsWrongSecretAndExpiry(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	other, err := NewVerifier(Config{Secret: "other-secret"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := other.Issue(domain.Identity{UserID: "u1", Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}

	expiredClaims := registeredClaims("u1", v)
	expiredClaims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	expiredClaims.NotBefore = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	expiredClaims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	expired := signToken(t, v, Claims{RegisteredClaims: expiredClaims})
	if _, err := v.Verify(expired); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func registeredClaims(subject string, v *Verifier) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		Audience:  jwt.ClaimStrings{v.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
}

func signToken(t *testing.T, v *Verifier, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
