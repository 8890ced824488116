package auth

import (
	"errors"
	"strings"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"go.uber.org/zap"
)

type Principal struct {
	UserID string
}

// Gatekeeper authenticates a connection once, at handshake time.
type Gatekeeper struct {
	validator CredentialValidator
	log       *zap.Logger
}

func NewGatekeeper(v CredentialValidator, log *zap.Logger) *Gatekeeper {
	return &Gatekeeper{validator: v, log: log}
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// Admit extracts the credential from the Authorization header, falling back
// to the token query parameter, and validates it.
func (g *Gatekeeper) Admit(authorization, queryToken string) (Principal, error) {
	token, err := ParseBearerToken(authorization)
	if err != nil {
		if queryToken == "" {
			return Principal{}, apperror.Unauthorized("missing credential")
		}
		token = queryToken
	}
	uid, err := g.validator.Validate(token)
	if err != nil {
		g.log.Debug("credential rejected", zap.Error(err))
		return Principal{}, apperror.Unauthorized("invalid credential")
	}
	return Principal{UserID: uid}, nil
}
