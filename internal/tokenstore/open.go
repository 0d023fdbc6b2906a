package tokenstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open selects a backend from the URL scheme: memory://, file://<path>, sqlite://<path>,
// postgres://... through GORM, or pgx://... through a native pgx pool. It returns the store
// and a driver label for logging.
func Open(ctx context.Context, storeURL string) (Store, string, error) {
	if strings.TrimSpace(storeURL) == "" {
		return nil, "", fmt.Errorf("token_store.open: %w", errEmptyStoreURL)
	}
	parsed, err := url.Parse(storeURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.open: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStore(), "memory", nil
	case "file":
		path, pathErr := buildLocalPath(parsed, false)
		if pathErr != nil {
			return nil, "", fmt.Errorf("token_store.file: %w", pathErr)
		}
		store, storeErr := NewFileStore(path)
		if storeErr != nil {
			return nil, "", storeErr
		}
		return store, "file", nil
	case pgxScheme:
		store, storeErr := NewPostgresStore(ctx, storeURL)
		if storeErr != nil {
			return nil, "", storeErr
		}
		return store, pgxScheme, nil
	case "postgres", "postgresql", "sqlite", "sqlite3":
		store, storeErr := NewDatabaseStore(ctx, storeURL)
		if storeErr != nil {
			return nil, "", storeErr
		}
		return store, store.Driver(), nil
	default:
		return nil, "", fmt.Errorf("token_store.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedStore)
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildLocalPath(parsed, true)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedStore)
	}
}

// buildLocalPath turns file-like URLs (scheme://relative, scheme:///absolute, scheme:opaque)
// into a filesystem path, optionally keeping the query string for sqlite DSNs.
func buildLocalPath(parsed *url.URL, keepQuery bool) (string, error) {
	if parsed == nil {
		return "", errInvalidLocalURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		if keepQuery {
			return "", errEmptySQLitePath
		}
		return "", errEmptyFilePath
	}
	if keepQuery && parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
