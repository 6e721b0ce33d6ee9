package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// TokenSet is what gets encrypted and stored for an OAuth-authenticated
// source connection.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token needs refreshing, with a
// margin so a token that's about to expire mid-sync-job gets refreshed
// proactively rather than failing a request.
func (t TokenSet) Expired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(30 * time.Second).After(t.ExpiresAt)
}

func (t TokenSet) toOAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.ExpiresAt,
	}
}

func fromOAuth2(t *oauth2.Token) TokenSet {
	return TokenSet{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry,
	}
}

// Refresh exchanges an expired access token for a new one using the
// connection's refresh token, under a row lock on the credential record so
// two concurrent sync jobs for the same source connection don't both
// rotate the refresh token at once: OAuth providers that rotate refresh
// tokens on use will silently invalidate the loser's new token, so the
// second refresh must see the first refresh's result rather than race it.
func (s *Store) Refresh(ctx context.Context, sourceConnectionID string, oauthCfg *oauth2.Config) (TokenSet, error) {
	var refreshed TokenSet

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec Record
		err := tx.WithContext(ctx).
			Raw(`SELECT source_connection_id, kind, payload, updated_at FROM airweave_credentials WHERE source_connection_id = ? FOR UPDATE`, sourceConnectionID).
			Scan(&rec).Error
		if err != nil {
			return fmt.Errorf("credentials: locking %s: %w", sourceConnectionID, err)
		}
		if rec.SourceConnectionID == "" {
			return fmt.Errorf("credentials: no stored credential for %s", sourceConnectionID)
		}

		ciphertext, err := base64.StdEncoding.DecodeString(rec.PayloadB64)
		if err != nil {
			return fmt.Errorf("credentials: decoding payload for %s: %w", sourceConnectionID, err)
		}
		plaintext, err := s.cipher.Decrypt(ciphertext)
		if err != nil {
			return fmt.Errorf("credentials: decrypting %s: %w", sourceConnectionID, err)
		}
		var current TokenSet
		if err := json.Unmarshal(plaintext, &current); err != nil {
			return fmt.Errorf("credentials: decoding token set for %s: %w", sourceConnectionID, err)
		}

		if !current.Expired() {
			refreshed = current
			return nil
		}

		source := oauthCfg.TokenSource(ctx, current.toOAuth2())
		newToken, err := source.Token()
		if err != nil {
			return fmt.Errorf("credentials: refreshing token for %s: %w", sourceConnectionID, err)
		}
		refreshed = fromOAuth2(newToken)

		newPlaintext, err := json.Marshal(refreshed)
		if err != nil {
			return fmt.Errorf("credentials: encoding refreshed token set: %w", err)
		}
		newCiphertext, err := s.cipher.Encrypt(newPlaintext)
		if err != nil {
			return fmt.Errorf("credentials: encrypting refreshed token set: %w", err)
		}

		err = tx.Exec(`
			UPDATE airweave_credentials SET payload = ?, updated_at = ?
			WHERE source_connection_id = ?
		`, base64.StdEncoding.EncodeToString(newCiphertext), time.Now(), sourceConnectionID).Error
		if err != nil {
			return fmt.Errorf("credentials: storing refreshed token for %s: %w", sourceConnectionID, err)
		}
		return nil
	})
	if err != nil {
		return TokenSet{}, err
	}
	return refreshed, nil
}
