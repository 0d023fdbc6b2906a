package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the credential in process memory; intended for tests and dev.
type MemoryStore struct {
	mutex      sync.Mutex
	credential *Credential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the stored credential or ErrCredentialNotFound.
func (store *MemoryStore) Load(ctx context.Context) (Credential, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.credential == nil {
		return Credential{}, ErrCredentialNotFound
	}
	return *store.credential, nil
}

// Save replaces the stored credential.
func (store *MemoryStore) Save(ctx context.Context, credential Credential) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	stored := credential
	store.credential = &stored
	return nil
}
