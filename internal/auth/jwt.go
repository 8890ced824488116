package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialValidator turns a bearer credential into a principal id.
type CredentialValidator interface {
	Validate(token string) (string, error)
}

type JWTValidator struct {
	alg    string
	pubKey *rsa.PublicKey
	secret []byte
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("hs256 secret required")
	}
	return &JWTValidator{alg: jwt.SigningMethodHS256.Alg(), secret: []byte(secret)}, nil
}

func NewJWTValidatorRS256(pubKeyPath string) (*JWTValidator, error) {
	b, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read pubkey: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey: %w", err)
	}
	return &JWTValidator{alg: jwt.SigningMethodRS256.Alg(), pubKey: key}, nil
}

// NewJWTValidator picks the algorithm from configuration.
func NewJWTValidator(alg, secret, pubKeyPath string) (*JWTValidator, error) {
	switch strings.ToUpper(alg) {
	case "RS256":
		return NewJWTValidatorRS256(pubKeyPath)
	case "HS256", "":
		return NewJWTValidatorHS256(secret)
	}
	return nil, errors.New("unsupported alg")
}

// Validate returns the subject (user id) on success. Tokens without a sub
// claim fall back to user_uuid.
func (j *JWTValidator) Validate(token string) (string, error) {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != j.alg {
			return nil, errors.New("unexpected signing method")
		}
		if j.pubKey != nil {
			return j.pubKey, nil
		}
		return j.secret, nil
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{j.alg}))
	tok, err := parser.Parse(token, keyFunc)
	if err != nil {
		return "", err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return "", errors.New("invalid token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub, _ = claims["user_uuid"].(string)
	}
	if sub == "" {
		return "", errors.New("sub missing")
	}
	return sub, nil
}

// Issuer signs HS256 credentials. Used by local tooling and tests; production
// credentials come from the auth service.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Refresh validates an existing credential and issues a new one for the
// same subject.
func (i *Issuer) Refresh(v CredentialValidator, token string) (string, error) {
	sub, err := v.Validate(token)
	if err != nil {
		return "", err
	}
	return i.Issue(sub)
}
