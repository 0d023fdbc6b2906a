package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var errEmptyDatabaseURL = errors.New("token_store.empty_database_url")

// DatabaseStore persists the credential as a single keyed row using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	storeKey    string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type credentialRecord struct {
	StoreKey      string `gorm:"column:store_key;primaryKey"`
	AccessToken   string `gorm:"column:access_token;not null"`
	RefreshToken  string `gorm:"column:refresh_token;not null"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "amocrm_credentials"
}

// NewDatabaseStore opens the database behind databaseURL and migrates the credential table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("token_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
		storeKey:    DefaultKey,
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("token_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// Load reads the credential row.
func (store *DatabaseStore) Load(ctx context.Context) (Credential, error) {
	var record credentialRecord
	err := store.db.WithContext(ctx).Where("store_key = ?", store.storeKey).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("token_store.load.%s: %w", store.driverLabel, err)
	}
	return Credential{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    record.ExpiresUnix,
	}, nil
}

// Save upserts every column of the credential row in one statement.
func (store *DatabaseStore) Save(ctx context.Context, credential Credential) error {
	record := credentialRecord{
		StoreKey:      store.storeKey,
		AccessToken:   credential.AccessToken,
		RefreshToken:  credential.RefreshToken,
		ExpiresUnix:   credential.ExpiresAt,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "store_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_unix", "updated_at_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("token_store.save.%s: %w", store.driverLabel, err)
	}
	return nil
}
