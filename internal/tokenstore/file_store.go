package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const credentialFileMode = 0o600

// FileStore persists the credential as an indented JSON document on local disk.
type FileStore struct {
	mutex sync.Mutex
	path  string
}

// NewFileStore constructs a store writing to path.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("token_store.file.open: %w", errEmptyFilePath)
	}
	return &FileStore{path: path}, nil
}

// Path exposes the file location.
func (store *FileStore) Path() string {
	return store.path
}

// Load reads the credential file. A missing file is reported as ErrCredentialNotFound.
func (store *FileStore) Load(ctx context.Context) (Credential, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	contents, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("token_store.file.read: %w", readErr)
	}
	var credential Credential
	if decodeErr := json.Unmarshal(contents, &credential); decodeErr != nil {
		return Credential{}, fmt.Errorf("token_store.file.decode: %w: %w", ErrCorruptCredential, decodeErr)
	}
	return credential, nil
}

// Save writes the credential to a temporary sibling file and renames it over the target,
// so readers never observe a partially written record.
func (store *FileStore) Save(ctx context.Context, credential Credential) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	encoded, encodeErr := json.MarshalIndent(credential, "", "  ")
	if encodeErr != nil {
		return fmt.Errorf("token_store.file.encode: %w", encodeErr)
	}

	directory := filepath.Dir(store.path)
	temporary, createErr := os.CreateTemp(directory, "."+filepath.Base(store.path)+".*")
	if createErr != nil {
		return fmt.Errorf("token_store.file.create_temp: %w", createErr)
	}
	temporaryPath := temporary.Name()
	cleanup := func() { _ = os.Remove(temporaryPath) }

	if _, writeErr := temporary.Write(encoded); writeErr != nil {
		_ = temporary.Close()
		cleanup()
		return fmt.Errorf("token_store.file.write: %w", writeErr)
	}
	if syncErr := temporary.Sync(); syncErr != nil {
		_ = temporary.Close()
		cleanup()
		return fmt.Errorf("token_store.file.sync: %w", syncErr)
	}
	if closeErr := temporary.Close(); closeErr != nil {
		cleanup()
		return fmt.Errorf("token_store.file.close: %w", closeErr)
	}
	if chmodErr := os.Chmod(temporaryPath, credentialFileMode); chmodErr != nil {
		cleanup()
		return fmt.Errorf("token_store.file.chmod: %w", chmodErr)
	}
	if renameErr := os.Rename(temporaryPath, store.path); renameErr != nil {
		cleanup()
		return fmt.Errorf("token_store.file.rename: %w", renameErr)
	}
	return nil
}
