package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, expiresAt, err := issuer.Issue("operator")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return now })); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}

	subject, err := issuer.Validate(tokenString)
	if err != nil {
		t.Fatalf("expected token to validate: %v", err)
	}
	if subject != "operator" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected error when signing secret missing")
	}
}

func TestTokenIssuerRejectsBlankSubject(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, _, err := issuer.Issue("  "); err == nil {
		t.Fatalf("expected error for blank subject")
	}
}

func TestValidateRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(t, func() time.Time { return now })
	tokenString, _, err := issuer.Issue("operator")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	later := newTestIssuer(t, func() time.Time { return now.Add(2 * time.Hour) })
	if _, err := later.Validate(tokenString); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	if _, err := foreign.Validate(tokenString); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
	if _, err := issuer.Validate("not-a-token"); err == nil {
		t.Fatalf("expected malformed token to be rejected")
	}
}
