package nonce_test

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/nonce"
)

func newTestService(t *testing.T) (*nonce.Service, *ledger.Ledger) {
	t.Helper()
	lg, err := ledger.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() {
		_ = lg.Close()
	})
	service, err := nonce.NewService(lg, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("failed to create nonce service: %v", err)
	}
	t.Cleanup(service.Stop)
	return service, lg
}

func TestInitialNoncePersisted(t *testing.T) {
	service, lg := newTestService(t)
	current := strconv.FormatUint(service.Current(), 10)
	row, err := lg.GetNonce(current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil {
		t.Fatalf("initial nonce should be persisted")
	}
	if row.NonceHash != nonce.Hash(current) {
		t.Errorf("persisted hash does not match the nonce")
	}
	valid, err := lg.IsNonceValid(current)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Errorf("freshly drawn nonce should be valid")
	}
}

func TestHashMatchesSha256(t *testing.T) {
	digest := sha256.Sum256([]byte("42"))
	expected := hex.EncodeToString(digest[:])
	if nonce.Hash("42") != expected {
		t.Errorf(
			"Hash(\"42\") should be %s, got %s",
			expected,
			nonce.Hash("42"),
		)
	}
}

func TestCurrentHash(t *testing.T) {
	service, _ := newTestService(t)
	current := strconv.FormatUint(service.Current(), 10)
	if service.CurrentHash() != nonce.Hash(current) {
		t.Errorf("CurrentHash should commit to the current nonce")
	}
}

func TestRotationReplacesCurrent(t *testing.T) {
	lg, err := ledger.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() {
		_ = lg.Close()
	})
	service, err := nonce.NewService(lg, 50*time.Millisecond, time.Hour)
	if err != nil {
		t.Fatalf("failed to create nonce service: %v", err)
	}
	t.Cleanup(service.Stop)
	initial := service.Current()
	service.Start()

	deadline := time.Now().Add(2 * time.Second)
	for service.Current() == initial {
		if time.Now().After(deadline) {
			t.Fatalf("nonce was not rotated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The superseded nonce is now revealable and still in the ledger
	initialStr := strconv.FormatUint(initial, 10)
	if _, ok := service.Revealable(initialStr); !ok {
		t.Errorf("superseded nonce should be revealable")
	}
	row, err := lg.GetNonce(initialStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row == nil {
		t.Errorf("superseded nonce should remain queryable")
	}
}

func TestRevealable(t *testing.T) {
	service, _ := newTestService(t)
	current := strconv.FormatUint(service.Current(), 10)
	if _, ok := service.Revealable(current); ok {
		t.Errorf("the current nonce must never be revealable")
	}
	revealed, ok := service.Revealable("12345")
	if !ok {
		t.Errorf("a superseded nonce should be revealable")
	}
	if revealed != "12345" {
		t.Errorf("Revealable should return the nonce verbatim, got %s", revealed)
	}
}
