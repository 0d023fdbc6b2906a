package tokenstore

import "errors"

var (
	// ErrCredentialNotFound indicates that nothing has been persisted yet.
	ErrCredentialNotFound = errors.New("token_store.not_found")
	// ErrCorruptCredential indicates the stored document exists but cannot be decoded.
	ErrCorruptCredential = errors.New("token_store.corrupt")
	// ErrUnsupportedStore indicates that no backend is available for the URL scheme.
	ErrUnsupportedStore = errors.New("token_store.unsupported_scheme")

	errEmptyStoreURL       = errors.New("token_store.empty_url")
	errEmptyFilePath       = errors.New("token_store.file.empty_path")
	errEmptySQLitePath     = errors.New("token_store.sqlite.empty_path")
	errInvalidLocalURL     = errors.New("token_store.invalid_local_url")
	errUnsupportedNoScheme = errors.New("token_store.unsupported_no_scheme")
)
