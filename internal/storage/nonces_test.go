package storage

import (
	"errors"
	"testing"
)

func TestNonceRowNotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetNonceRow("0xdead")
	if !errors.Is(err, ErrNonceRowNotFound) {
		t.Errorf("Expected ErrNonceRowNotFound, got %v", err)
	}
}

func TestSaveAndGetNonceRow(t *testing.T) {
	s := newTestStorage(t)

	signer := "0x1111111111111111111111111111111111111111"

	if err := s.SaveNonceRow(signer, 5, 3); err != nil {
		t.Fatalf("Failed to save nonce row: %v", err)
	}

	row, err := s.GetNonceRow(signer)
	if err != nil {
		t.Fatalf("Failed to get nonce row: %v", err)
	}
	if row.Next != 5 || row.Confirmed != 3 {
		t.Errorf("Expected next=5 confirmed=3, got next=%d confirmed=%d", row.Next, row.Confirmed)
	}

	// Upsert overwrites
	if err := s.SaveNonceRow(signer, 8, 7); err != nil {
		t.Fatalf("Failed to upsert nonce row: %v", err)
	}

	row, err = s.GetNonceRow(signer)
	if err != nil {
		t.Fatalf("Failed to get nonce row: %v", err)
	}
	if row.Next != 8 || row.Confirmed != 7 {
		t.Errorf("Expected next=8 confirmed=7, got next=%d confirmed=%d", row.Next, row.Confirmed)
	}
}
