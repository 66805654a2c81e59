package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNonceRowNotFound indicates no persisted nonce state for the signer.
var ErrNonceRowNotFound = errors.New("nonce row not found")

// NonceRow is the persisted nonce state for one signer address.
type NonceRow struct {
	Signer    string
	Next      uint64
	Confirmed uint64
	UpdatedAt time.Time
}

// GetNonceRow retrieves the nonce state for a signer.
func (s *Storage) GetNonceRow(signer string) (*NonceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row NonceRow
	var updatedAt int64

	err := s.db.QueryRow(`
		SELECT signer, next_nonce, confirmed_nonce, updated_at
		FROM nonces WHERE signer = ?
	`, signer).Scan(&row.Signer, &row.Next, &row.Confirmed, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNonceRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce row: %w", err)
	}

	row.UpdatedAt = time.Unix(updatedAt, 0)
	return &row, nil
}

// SaveNonceRow upserts the nonce state for a signer.
func (s *Storage) SaveNonceRow(signer string, next, confirmed uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO nonces (signer, next_nonce, confirmed_nonce, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(signer) DO UPDATE SET
			next_nonce = excluded.next_nonce,
			confirmed_nonce = excluded.confirmed_nonce,
			updated_at = excluded.updated_at
	`, signer, next, confirmed, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save nonce row: %w", err)
	}

	return nil
}
