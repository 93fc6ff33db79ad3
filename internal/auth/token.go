// Package auth verifies the identity tokens clients present in the setup
// intent. Tokens are HS256 JWTs whose subject is the user id; issuing them is
// the job of the account service.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripmate/realtime/internal/apperr"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token has expired")
)

// Config holds token verification settings. An empty secret disables
// verification.
type Config struct {
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	Leeway    time.Duration `koanf:"leeway"`
}

// Enabled reports whether tokens are checked.
func (c Config) Enabled() bool { return c.JWTSecret != "" }

// Verifier checks HS256 tokens.
type Verifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier from cfg.
func NewVerifier(cfg Config) (*Verifier, error) {
	if !cfg.Enabled() {
		return nil, errors.New("auth: jwt secret required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{key: []byte(cfg.JWTSecret), parser: jwt.NewParser(opts...)}, nil
}

// Verify validates token and returns its subject. Failures are
// apperr Unauthorized errors wrapping one of the package sentinels.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", unauthorized(ErrMissingToken)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", unauthorized(ErrExpiredToken)
		}
		return "", unauthorized(fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", unauthorized(fmt.Errorf("%w: missing subject", ErrInvalidToken))
	}
	return sub, nil
}

func unauthorized(err error) error {
	return &apperr.Error{Kind: apperr.KindUnauthorized, Op: "auth.verify", Msg: "invalid credentials", Err: err}
}
