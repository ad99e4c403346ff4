package tcp

import (
	"errors"
	"fmt"
	"time"

	"melink/internal/mpio"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator signs and checks the hello tokens exchanged between engines
// of one cluster. Every engine holds the same shared secret.
type Authenticator struct {
	secret string
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

func (a *Authenticator) IssueToken(engine mpio.EngineID, bus string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"engine_id": engine.String(),
		"bus":       bus,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(a.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authenticator) ValidateToken(tokenString string) (mpio.EngineID, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(a.secret), nil
	})

	if err != nil || !token.Valid {
		return mpio.EngineID{}, "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return mpio.EngineID{}, "", errors.New("invalid token claims")
	}

	rawEngine, ok := claims["engine_id"].(string)
	if !ok {
		return mpio.EngineID{}, "", errors.New("engine_id claim is not a string")
	}
	engine, err := mpio.ParseEngineID(rawEngine)
	if err != nil {
		return mpio.EngineID{}, "", err
	}

	bus, ok := claims["bus"].(string)
	if !ok {
		return mpio.EngineID{}, "", errors.New("bus claim is not a string")
	}

	return engine, bus, nil
}
