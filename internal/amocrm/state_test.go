package amocrm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStateIssuer(t *testing.T, clock Clock) *StateIssuer {
	t.Helper()
	issuer, err := NewStateIssuer([]byte("state-signing-key"), 10*time.Minute, nil, clock)
	if err != nil {
		t.Fatalf("create state issuer: %v", err)
	}
	return issuer
}

func TestStateIssueAndVerifyOnce(t *testing.T) {
	issuer := newTestStateIssuer(t, newControllableClock())

	state, err := issuer.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if strings.Count(state, ".") != 2 {
		t.Fatalf("expected compact JWT, got %q", state)
	}
	if err := issuer.Verify(context.Background(), state); err != nil {
		t.Fatalf("verify state: %v", err)
	}
	if err := issuer.Verify(context.Background(), state); !errors.Is(err, ErrInvalidState) || !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected replay to be rejected, got %v", err)
	}
}

func TestStateExpires(t *testing.T) {
	clock := newControllableClock()
	issuer := newTestStateIssuer(t, clock)

	state, err := issuer.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	clock.Advance(11 * time.Minute)
	if err := issuer.Verify(context.Background(), state); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected expired state to be rejected, got %v", err)
	}
}

func TestStateRejectsForeignSignature(t *testing.T) {
	clock := newControllableClock()
	issuer := newTestStateIssuer(t, clock)
	foreign, err := NewStateIssuer([]byte("another-key"), 10*time.Minute, nil, clock)
	if err != nil {
		t.Fatalf("create foreign issuer: %v", err)
	}

	state, issueErr := foreign.Issue(context.Background())
	if issueErr != nil {
		t.Fatalf("issue state: %v", issueErr)
	}
	for _, candidate := range []string{state, "", "not-a-jwt"} {
		if verifyErr := issuer.Verify(context.Background(), candidate); !errors.Is(verifyErr, ErrInvalidState) {
			t.Fatalf("expected %q to be rejected, got %v", candidate, verifyErr)
		}
	}
}

func TestNewStateIssuerValidatesInputs(t *testing.T) {
	if _, err := NewStateIssuer(nil, time.Minute, nil, nil); !errors.Is(err, errMissingStateKey) {
		t.Fatalf("expected errMissingStateKey, got %v", err)
	}
	if _, err := NewStateIssuer([]byte("k"), 0, nil, nil); !errors.Is(err, errInvalidStateTTL) {
		t.Fatalf("expected errInvalidStateTTL, got %v", err)
	}
	key, err := GenerateSigningKey()
	if err != nil || len(key) != 32 {
		t.Fatalf("expected 32 byte key, got %d (%v)", len(key), err)
	}
}

func TestMemoryNonceStoreIssueAndConsume(t *testing.T) {
	t.Parallel()
	store := NewMemoryNonceStore(2*time.Minute, newControllableClock())

	nonce, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	if nonce == "" {
		t.Fatalf("expected nonce")
	}
	if err := store.Consume(context.Background(), nonce); err != nil {
		t.Fatalf("consume nonce: %v", err)
	}
	if err := store.Consume(context.Background(), nonce); !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected ErrNonceNotFound, got %v", err)
	}
}

func TestMemoryNonceStoreExpiry(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryNonceStore(time.Minute, clock).(*memoryNonceStore)

	first, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	second, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := store.Consume(context.Background(), first); err != nil {
		t.Fatalf("expected nonce within ttl, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	if err := store.Consume(context.Background(), second); !errors.Is(err, ErrNonceExpired) {
		t.Fatalf("expected ErrNonceExpired, got %v", err)
	}
	if len(store.expires) != 0 {
		t.Fatalf("expected expired nonces purged, %d left", len(store.expires))
	}
}
