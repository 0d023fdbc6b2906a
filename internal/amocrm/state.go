package amocrm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const stateIssuer = "amocrm-sync"

var (
	// ErrInvalidState indicates the callback state was forged, expired, or replayed.
	ErrInvalidState = errors.New("oauth_state.invalid")

	errMissingStateKey = errors.New("oauth_state.missing_signing_key")
	errInvalidStateTTL = errors.New("oauth_state.invalid_ttl")
)

type stateClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// StateIssuer mints and verifies the OAuth2 state parameter: an HS256 token wrapping a one-time nonce.
type StateIssuer struct {
	signingKey []byte
	ttl        time.Duration
	nonces     NonceStore
	clock      Clock
}

// NewStateIssuer validates its inputs and returns an issuer.
func NewStateIssuer(signingKey []byte, ttl time.Duration, nonces NonceStore, clock Clock) (*StateIssuer, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("oauth_state.new: %w", errMissingStateKey)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("oauth_state.new: %w", errInvalidStateTTL)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore(ttl, clock)
	}
	return &StateIssuer{signingKey: signingKey, ttl: ttl, nonces: nonces, clock: clock}, nil
}

// GenerateSigningKey returns a random key for processes started without a configured one.
func GenerateSigningKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("oauth_state.generate_key: %w", err)
	}
	return key, nil
}

// Issue returns a fresh state value.
func (issuer *StateIssuer) Issue(ctx context.Context) (string, error) {
	nonce, nonceErr := issuer.nonces.Issue(ctx)
	if nonceErr != nil {
		return "", fmt.Errorf("oauth_state.issue: %w", nonceErr)
	}
	issuedAt := issuer.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(issuer.ttl)),
		},
	})
	signed, signErr := token.SignedString(issuer.signingKey)
	if signErr != nil {
		return "", fmt.Errorf("oauth_state.issue: %w", signErr)
	}
	return signed, nil
}

// Verify checks the signature and expiry, then consumes the nonce so the state cannot be replayed.
func (issuer *StateIssuer) Verify(ctx context.Context, state string) error {
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("oauth_state.verify: %w", ErrInvalidState)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(state, &stateClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return issuer.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(issuer.clock.Now))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return fmt.Errorf("oauth_state.verify: %w", ErrInvalidState)
	}
	claims, ok := parsedToken.Claims.(*stateClaims)
	if !ok || claims.Nonce == "" {
		return fmt.Errorf("oauth_state.verify: %w", ErrInvalidState)
	}
	if consumeErr := issuer.nonces.Consume(ctx, claims.Nonce); consumeErr != nil {
		return fmt.Errorf("oauth_state.verify: %w: %w", ErrInvalidState, consumeErr)
	}
	return nil
}
