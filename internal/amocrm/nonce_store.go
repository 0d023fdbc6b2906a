package amocrm

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNonceNotFound indicates the nonce was never issued or was already consumed.
	ErrNonceNotFound = errors.New("oauth_state.nonce_not_found")
	// ErrNonceExpired indicates the nonce outlived its TTL before the callback arrived.
	ErrNonceExpired = errors.New("oauth_state.nonce_expired")
)

const stateNonceBytes = 24

// NonceStore issues one-time values that bind an authorization redirect to its callback.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, nonce string) error
}

type memoryNonceStore struct {
	mutex   sync.Mutex
	expires map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the provided TTL.
func NewMemoryNonceStore(ttl time.Duration, clock Clock) NonceStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryNonceStore{
		expires: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, stateNonceBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	nonce := base64.RawURLEncoding.EncodeToString(buffer)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeLocked()
	store.expires[nonce] = store.clock.Now().Add(store.ttl)
	return nonce, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, nonce string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeLocked()

	expiry, ok := store.expires[nonce]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.expires, nonce)
	if store.clock.Now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) purgeLocked() {
	now := store.clock.Now()
	for nonce, expiry := range store.expires {
		if now.After(expiry) {
			delete(store.expires, nonce)
		}
	}
}
