// Package store is the broker's expiring record store. Every record kind is
// transient: the backing database lives in process memory and disappears when
// the process exits. Expiry is enforced twice, by the periodic sweep and again
// on every read path, because the sweep interval is coarser than some record
// lifetimes.
package store

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/authrelay/authrelay/pkg/encryption"
	"github.com/authrelay/authrelay/pkg/types"
)

const (
	// PendingAuthorizationTTL is the maximum time between the authorize call
	// and the IdP callback.
	PendingAuthorizationTTL = 10 * time.Minute

	// AuthorizationCodeTTL is the maximum time between code issuance and
	// redemption at the token endpoint.
	AuthorizationCodeTTL = 5 * time.Minute

	// AccessTokenTTL is fixed at issuance. Refresh tokens do not expire.
	AccessTokenTTL = time.Hour

	// SweepInterval is how often CleanupExpired runs. The sweep is advisory
	// cleanup only; correctness never depends on it having run.
	SweepInterval = 5 * time.Minute
)

// Store holds the five record kinds in a process-private in-memory database.
type Store struct {
	db *gorm.DB
}

// New opens a fresh in-memory database and sets up the schema. Each Store
// gets its own uniquely named shared-cache database so independent stores
// (one per test, typically) never see each other's records.
func New() (*Store, error) {
	dsn := fmt.Sprintf("file:authrelay-%s?mode=memory&cache=shared", encryption.GenerateRandomString(6))

	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A shared-cache memory database is destroyed when its last connection
	// closes, so the pool is pinned to a single long-lived connection. That
	// connection also serializes every lookup-and-delete.
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	s := &Store{db: gormDB}
	if err := s.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return s, nil
}

func (s *Store) setupSchema() error {
	err := s.db.AutoMigrate(
		&types.Client{},
		&types.PendingAuthorization{},
		&types.AuthorizationCode{},
		&types.AccessToken{},
		&types.RefreshToken{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate schema: %w", err)
	}
	return nil
}

// hashToken returns the SHA-256 hash of a token value. Access and refresh
// tokens are stored hashed so the store never holds a usable credential.
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// StoreClient stores a newly registered client.
func (s *Store) StoreClient(client *types.Client) error {
	return s.db.Create(client).Error
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(clientID string) (*types.Client, error) {
	var client types.Client
	if err := s.db.First(&client, "client_id = ?", clientID).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

// StorePendingAuthorization records an in-flight authorization request under
// its anti-forgery state token.
func (s *Store) StorePendingAuthorization(pending *types.PendingAuthorization) error {
	if pending.ExpiresAt.IsZero() {
		pending.ExpiresAt = time.Now().Add(PendingAuthorizationTTL)
	}
	return s.db.Create(pending).Error
}

// TakePendingAuthorization removes and returns the pending authorization for
// state. At most one caller can ever receive a given record; all others get
// gorm.ErrRecordNotFound. The caller still checks ExpiresAt.
func (s *Store) TakePendingAuthorization(state string) (*types.PendingAuthorization, error) {
	var taken []types.PendingAuthorization
	result := s.db.Clauses(clause.Returning{}).Where("state = ?", state).Delete(&taken)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || len(taken) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &taken[0], nil
}

// StoreAuthCode stores a freshly minted authorization code.
func (s *Store) StoreAuthCode(code *types.AuthorizationCode) error {
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = time.Now().Add(AuthorizationCodeTTL)
	}
	return s.db.Create(code).Error
}

// TakeAuthCode removes and returns the authorization code. The code is
// consumed whether or not the caller's subsequent validations succeed, which
// keeps it single-use under concurrent redemption. The caller still checks
// ExpiresAt.
func (s *Store) TakeAuthCode(code string) (*types.AuthorizationCode, error) {
	var taken []types.AuthorizationCode
	result := s.db.Clauses(clause.Returning{}).Where("code = ?", code).Delete(&taken)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || len(taken) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &taken[0], nil
}

// StoreAccessToken stores an access token, hashed.
func (s *Store) StoreAccessToken(token *types.AccessToken) error {
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = time.Now().Add(AccessTokenTTL)
	}
	stored := &types.AccessToken{
		Token:     hashToken(token.Token),
		ClientID:  token.ClientID,
		Email:     token.Email,
		ExpiresAt: token.ExpiresAt,
	}
	return s.db.Create(stored).Error
}

// GetAccessToken retrieves an access token record by its presented value.
// Expiry is the caller's check; the record is returned as stored.
func (s *Store) GetAccessToken(token string) (*types.AccessToken, error) {
	var data types.AccessToken
	if err := s.db.First(&data, "token = ?", hashToken(token)).Error; err != nil {
		return nil, err
	}
	return &data, nil
}

// StoreRefreshToken stores a refresh token, hashed. Refresh tokens carry no
// expiry and survive until the process exits.
func (s *Store) StoreRefreshToken(token *types.RefreshToken) error {
	stored := &types.RefreshToken{
		Token:    hashToken(token.Token),
		ClientID: token.ClientID,
		Email:    token.Email,
	}
	return s.db.Create(stored).Error
}

// GetRefreshToken retrieves a refresh token record by its presented value.
func (s *Store) GetRefreshToken(token string) (*types.RefreshToken, error) {
	var data types.RefreshToken
	if err := s.db.First(&data, "token = ?", hashToken(token)).Error; err != nil {
		return nil, err
	}
	return &data, nil
}

// CleanupExpired removes expired pending authorizations, authorization codes
// and access tokens. Clients and refresh tokens are kept for the process
// lifetime.
func (s *Store) CleanupExpired() error {
	now := time.Now()

	result := s.db.Where("expires_at < ?", now).Delete(&types.PendingAuthorization{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired pending authorizations: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("Deleted %d expired pending authorizations", result.RowsAffected)
	}

	result = s.db.Where("expires_at < ?", now).Delete(&types.AuthorizationCode{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired authorization codes: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("Deleted %d expired authorization codes", result.RowsAffected)
	}

	result = s.db.Where("expires_at < ?", now).Delete(&types.AccessToken{})
	if result.Error != nil {
		return fmt.Errorf("failed to cleanup expired access tokens: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("Deleted %d expired access tokens", result.RowsAffected)
	}

	return nil
}

// Close closes the database connection, discarding all records.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
