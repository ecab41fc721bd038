package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-broker/internal/vault"
	"github.com/ksred/klear-broker/pkg/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type credentialRecord struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"uniqueIndex:idx_broker_credentials_user_broker;not null"`
	Broker       string `gorm:"uniqueIndex:idx_broker_credentials_user_broker;not null"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	IssuedAt     *time.Time
	ExpiresAt    time.Time
	Scope        string
	TokenType    string
	Active       bool `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (credentialRecord) TableName() string { return "broker_credentials" }

type verifierRecord struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"uniqueIndex:idx_pkce_verifiers_user_broker;not null"`
	Broker    string `gorm:"uniqueIndex:idx_pkce_verifiers_user_broker;not null"`
	Verifier  string `gorm:"type:text"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

func (verifierRecord) TableName() string { return "pkce_verifiers" }

// Migrate creates the credential tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&credentialRecord{}, &verifierRecord{})
}

// Database is the gorm backed Store. Token and verifier columns are sealed
// with the vault cipher.
type Database struct {
	db     *gorm.DB
	cipher *vault.Cipher
}

var _ Store = (*Database)(nil)

func NewDatabase(db *gorm.DB, cipher *vault.Cipher) *Database {
	return &Database{db: db, cipher: cipher}
}

func (d *Database) Get(ctx context.Context, userID, broker string) (*Credential, error) {
	var rec credentialRecord
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND broker = ?", userID, broker).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	access, err := d.cipher.Decrypt(rec.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := d.cipher.Decrypt(rec.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	cred := &Credential{
		UserID:       rec.UserID,
		Broker:       rec.Broker,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    rec.ExpiresAt,
		Scope:        rec.Scope,
		TokenType:    rec.TokenType,
		Active:       rec.Active,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.IssuedAt != nil {
		cred.IssuedAt = *rec.IssuedAt
	}
	return cred, nil
}

// Upsert inserts or replaces the credential for (user, broker).
func (d *Database) Upsert(ctx context.Context, cred *Credential) error {
	access, err := d.cipher.Encrypt(cred.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := d.cipher.Encrypt(cred.RefreshToken)
	if err != nil {
		return err
	}

	rec := credentialRecord{
		UserID:       cred.UserID,
		Broker:       cred.Broker,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    cred.ExpiresAt.UTC(),
		Scope:        cred.Scope,
		TokenType:    cred.TokenType,
		Active:       cred.Active,
	}
	if !cred.IssuedAt.IsZero() {
		issued := cred.IssuedAt.UTC()
		rec.IssuedAt = &issued
	}

	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "broker"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "issued_at", "expires_at", "scope", "token_type", "active", "updated_at",
		}),
	}).Create(&rec).Error
}

func (d *Database) Delete(ctx context.Context, userID, broker string) error {
	return d.db.WithContext(ctx).
		Where("user_id = ? AND broker = ?", userID, broker).
		Delete(&credentialRecord{}).Error
}

func (d *Database) Deactivate(ctx context.Context, userID, broker string) error {
	return d.db.WithContext(ctx).
		Model(&credentialRecord{}).
		Where("user_id = ? AND broker = ?", userID, broker).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()}).Error
}

// SaveVerifier stores the PKCE verifier, replacing any live one for the pair.
func (d *Database) SaveVerifier(ctx context.Context, userID, broker, verifier string, expiresAt time.Time) error {
	sealed, err := d.cipher.Encrypt(verifier)
	if err != nil {
		return err
	}

	rec := verifierRecord{
		UserID:    userID,
		Broker:    broker,
		Verifier:  sealed,
		ExpiresAt: expiresAt.UTC(),
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "broker"}},
		DoUpdates: clause.AssignmentColumns([]string{"verifier", "expires_at", "created_at"}),
	}).Create(&rec).Error
}

// TakeVerifier returns and deletes the verifier in one transaction. Only the
// caller whose delete removed the row gets the value, so a verifier can be
// consumed exactly once.
func (d *Database) TakeVerifier(ctx context.Context, userID, broker string, now time.Time) (string, error) {
	var (
		sealed  string
		expired bool
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec verifierRecord
		if err := tx.Where("user_id = ? AND broker = ?", userID, broker).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.KindMissingVerifier, "no PKCE verifier found, restart the connection flow")
			}
			return err
		}

		res := tx.Where("id = ?", rec.ID).Delete(&verifierRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return apperr.New(apperr.KindMissingVerifier, "PKCE verifier already consumed")
		}

		sealed = rec.Verifier
		expired = !now.Before(rec.ExpiresAt)
		return nil
	})
	if err != nil {
		return "", err
	}
	if expired {
		return "", apperr.New(apperr.KindMissingVerifier, "PKCE verifier expired, restart the connection flow")
	}

	return d.cipher.Decrypt(sealed)
}

// SweepVerifiers removes expired verifiers.
func (d *Database) SweepVerifiers(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&verifierRecord{})
	return res.RowsAffected, res.Error
}
