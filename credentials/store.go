package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Record is the GORM model backing encrypted credential storage. Payload
// holds the AES-GCM ciphertext of a JSON-encoded TokenSet or static
// credential map, base64-encoded for safe storage in a text column.
type Record struct {
	SourceConnectionID string    `gorm:"column:source_connection_id;primaryKey"`
	Kind                string    `gorm:"column:kind"` // "oauth" or "api_key"
	PayloadB64          string    `gorm:"column:payload"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (Record) TableName() string { return "airweave_credentials" }

// Store persists encrypted credentials in Postgres.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
}

// OpenStore connects to Postgres and migrates the credentials table.
func OpenStore(dsn string, cipher *Cipher) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("credentials: connecting: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("credentials: migrating: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

// SaveTokenSet encrypts and stores an OAuth token set for a source
// connection, overwriting any previous value.
func (s *Store) SaveTokenSet(ctx context.Context, sourceConnectionID string, tokens TokenSet) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("credentials: encoding token set: %w", err)
	}
	return s.save(ctx, sourceConnectionID, "oauth", data)
}

// SaveAPIKey encrypts and stores a static API key for a source
// connection.
func (s *Store) SaveAPIKey(ctx context.Context, sourceConnectionID, apiKey string) error {
	return s.save(ctx, sourceConnectionID, "api_key", []byte(apiKey))
}

func (s *Store) save(ctx context.Context, sourceConnectionID, kind string, plaintext []byte) error {
	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("credentials: encrypting for %s: %w", sourceConnectionID, err)
	}

	rec := Record{
		SourceConnectionID: sourceConnectionID,
		Kind:               kind,
		PayloadB64:         base64.StdEncoding.EncodeToString(ciphertext),
		UpdatedAt:          time.Now(),
	}

	err = s.db.WithContext(ctx).Exec(`
		INSERT INTO airweave_credentials (source_connection_id, kind, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source_connection_id) DO UPDATE SET
			kind       = EXCLUDED.kind,
			payload    = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, rec.SourceConnectionID, rec.Kind, rec.PayloadB64, rec.UpdatedAt).Error
	if err != nil {
		return fmt.Errorf("credentials: saving %s: %w", sourceConnectionID, err)
	}
	return nil
}

// GetTokenSet decrypts and returns a stored OAuth token set.
func (s *Store) GetTokenSet(ctx context.Context, sourceConnectionID string) (TokenSet, error) {
	plaintext, kind, err := s.load(ctx, sourceConnectionID)
	if err != nil {
		return TokenSet{}, err
	}
	if kind != "oauth" {
		return TokenSet{}, fmt.Errorf("credentials: %s is not an oauth credential", sourceConnectionID)
	}
	var tokens TokenSet
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return TokenSet{}, fmt.Errorf("credentials: decoding token set for %s: %w", sourceConnectionID, err)
	}
	return tokens, nil
}

// GetAPIKey decrypts and returns a stored static API key.
func (s *Store) GetAPIKey(ctx context.Context, sourceConnectionID string) (string, error) {
	plaintext, kind, err := s.load(ctx, sourceConnectionID)
	if err != nil {
		return "", err
	}
	if kind != "api_key" {
		return "", fmt.Errorf("credentials: %s is not an api_key credential", sourceConnectionID)
	}
	return string(plaintext), nil
}

func (s *Store) load(ctx context.Context, sourceConnectionID string) ([]byte, string, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("source_connection_id = ?", sourceConnectionID).First(&rec).Error
	if err != nil {
		return nil, "", fmt.Errorf("credentials: loading %s: %w", sourceConnectionID, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(rec.PayloadB64)
	if err != nil {
		return nil, "", fmt.Errorf("credentials: decoding payload for %s: %w", sourceConnectionID, err)
	}
	plaintext, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		return nil, "", fmt.Errorf("credentials: decrypting %s: %w", sourceConnectionID, err)
	}
	return plaintext, rec.Kind, nil
}

// Delete removes a stored credential.
func (s *Store) Delete(ctx context.Context, sourceConnectionID string) error {
	err := s.db.WithContext(ctx).Where("source_connection_id = ?", sourceConnectionID).Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("credentials: deleting %s: %w", sourceConnectionID, err)
	}
	return nil
}
