package keystore

import (
	"context"
	"errors"
	"testing"

	"github.com/selfextend/core/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewSimStorage(nil)
	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Store(ctx, 42, KeyTypeAnthropic, "sk-ant-secret", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}
	value, ok, err := s.Get(ctx, 42, KeyTypeAnthropic)
	if err != nil || !ok || value != "sk-ant-secret" {
		t.Fatalf("Get: value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestGetMissingReturnsNotOk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ok, err := s.Get(ctx, 1, KeyTypeOpenAI)
	if err != nil || ok {
		t.Fatalf("expected ok=false err=nil, got ok=%v err=%v", ok, err)
	}
}

func TestStoreUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, 1, KeyTypeOpenAI, "first", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Store(ctx, 1, KeyTypeOpenAI, "second", ""); err != nil {
		t.Fatalf("Store update: %v", err)
	}
	value, ok, err := s.Get(ctx, 1, KeyTypeOpenAI)
	if err != nil || !ok || value != "second" {
		t.Fatalf("expected second, got %q ok=%v err=%v", value, ok, err)
	}
	if keys := s.List(1); len(keys) != 1 {
		t.Fatalf("expected one key after upsert, got %v", keys)
	}
}

func TestStoreRejectsEmptyValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Store(ctx, 1, KeyTypeOpenAI, "", ""); !errors.Is(err, ErrEmptyValue) {
		t.Fatalf("expected ErrEmptyValue, got %v", err)
	}
}

func TestStoreRejectsOversizedValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	big := make([]byte, MaxValueBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	if err := s.Store(ctx, 1, KeyTypeOpenAI, string(big), ""); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("expected ErrValueTooLarge, got %v", err)
	}
}

func TestRemoveAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, 7, KeyTypeOpenAI, "a", "")
	s.Store(ctx, 7, KeyTypeTelegram, "b", "")

	removed, err := s.Remove(ctx, 7, KeyTypeOpenAI)
	if err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	if keys := s.List(7); len(keys) != 1 || keys[0] != KeyTypeTelegram {
		t.Fatalf("expected only telegram left, got %v", keys)
	}

	if err := s.Clear(ctx, 7); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if keys := s.List(7); len(keys) != 0 {
		t.Fatalf("expected empty after clear, got %v", keys)
	}
}

func TestTamperedCiphertextFailsAuthentication(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewSimStorage(nil)
	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Store(ctx, 9, KeyTypeOpenAI, "original-secret", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Corrupt the persisted ciphertext in place, simulating tampering of
	// the durable user_keys.enc contents.
	rec := s.users[9][0]
	corrupted := []byte(rec.Ciphertext)
	corrupted[0] ^= 0xFF
	s.users[9][0].Ciphertext = string(corrupted)

	_, _, err = s.Get(ctx, 9, KeyTypeOpenAI)
	if !errors.Is(err, ErrCrypto) {
		t.Fatalf("expected ErrCrypto on tamper, got %v", err)
	}
}

func TestInvalidMasterKeyLengthIsHardError(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewSimStorage(nil)
	if err := backend.Put(ctx, masterKeyObject, []byte("too-short")); err != nil {
		t.Fatalf("seed master key: %v", err)
	}
	_, err := Open(ctx, backend)
	if !errors.Is(err, ErrInvalidMasterKey) {
		t.Fatalf("expected ErrInvalidMasterKey, got %v", err)
	}
}

func TestMasterKeyPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewSimStorage(nil)

	s1, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Store(ctx, 3, KeyTypeOpenAI, "persisted-secret", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}

	s2, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, ok, err := s2.Get(ctx, 3, KeyTypeOpenAI)
	if err != nil || !ok || value != "persisted-secret" {
		t.Fatalf("expected decryptable value after reopen, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestDistinctUsersAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Store(ctx, 1, KeyTypeOpenAI, "user-1-secret", "")
	s.Store(ctx, 2, KeyTypeOpenAI, "user-2-secret", "")

	v1, _, _ := s.Get(ctx, 1, KeyTypeOpenAI)
	v2, _, _ := s.Get(ctx, 2, KeyTypeOpenAI)
	if v1 == v2 {
		t.Fatalf("expected distinct values per user, got equal %q", v1)
	}
}
