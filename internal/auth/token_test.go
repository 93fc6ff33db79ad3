package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripmate/realtime/internal/apperr"
)

const testSecret = "test-secret-0123456789"

func sign(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "tripmate",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatal("expected error without secret")
	}
	if (Config{}).Enabled() {
		t.Error("empty config should be disabled")
	}
}

func TestVerify(t *testing.T) {
	v, err := NewVerifier(Config{JWTSecret: testSecret, Issuer: "tripmate"})
	if err != nil {
		t.Fatalf("NewVerifier() error: %v", err)
	}

	expired := validClaims("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noExpiry := validClaims("u1")
	noExpiry.ExpiresAt = nil
	otherIssuer := validClaims("u1")
	otherIssuer.Issuer = "elsewhere"

	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr error
	}{
		{"valid", sign(t, testSecret, jwt.SigningMethodHS256, validClaims("u1")), "u1", nil},
		{"bearer prefix", "Bearer " + sign(t, testSecret, jwt.SigningMethodHS256, validClaims("u2")), "u2", nil},
		{"empty", "", "", ErrMissingToken},
		{"expired", sign(t, testSecret, jwt.SigningMethodHS256, expired), "", ErrExpiredToken},
		{"no expiry", sign(t, testSecret, jwt.SigningMethodHS256, noExpiry), "", ErrInvalidToken},
		{"wrong secret", sign(t, "other-secret", jwt.SigningMethodHS256, validClaims("u1")), "", ErrInvalidToken},
		{"wrong alg", sign(t, testSecret, jwt.SigningMethodHS512, validClaims("u1")), "", ErrInvalidToken},
		{"wrong issuer", sign(t, testSecret, jwt.SigningMethodHS256, otherIssuer), "", ErrInvalidToken},
		{"no subject", sign(t, testSecret, jwt.SigningMethodHS256, validClaims("")), "", ErrInvalidToken},
		{"garbage", "a.b.c", "", ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := v.Verify(tt.token)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Verify() error: %v", err)
				}
				if sub != tt.wantSub {
					t.Errorf("subject = %q, want %q", sub, tt.wantSub)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if apperr.KindOf(err) != apperr.KindUnauthorized {
				t.Errorf("kind = %v, want unauthorized", apperr.KindOf(err))
			}
		})
	}
}
