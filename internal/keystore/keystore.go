// Package keystore implements authenticated encryption of per-user
// third-party credentials, with a durable on-disk layout backed by
// storage.Backend (local file or S3). It follows the teacher's
// marketplace.Verifier style (crypto/* from the standard library, functional
// options, a *slog.Logger default) for the ambient shape, and AES-256-GCM
// per the specification for the cipher itself.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/selfextend/core/internal/metrics"
	"github.com/selfextend/core/internal/storage"
)

// MasterKeyBytes is the required length of the on-disk master key.
const MasterKeyBytes = 32

// MaxValueBytes is the maximum plaintext length accepted by Store.
const MaxValueBytes = 1024

// nonceBytes is the AES-GCM standard nonce size.
const nonceBytes = 12

// KeyType identifies the kind of third-party credential stored.
type KeyType string

const (
	KeyTypeAnthropic KeyType = "anthropic"
	KeyTypeOpenAI    KeyType = "openai"
	KeyTypeTelegram  KeyType = "telegram"
	KeyTypeCustom    KeyType = "custom"
)

// ErrCrypto is returned when decryption fails authentication — a tampered
// ciphertext or nonce. It is never conflated with "key absent".
var ErrCrypto = errors.New("keystore: decryption authentication failed")

// ErrEmptyValue is returned by Store when value is empty.
var ErrEmptyValue = errors.New("keystore: value must not be empty")

// ErrValueTooLarge is returned by Store when value exceeds MaxValueBytes.
var ErrValueTooLarge = errors.New("keystore: value exceeds maximum size")

// ErrInvalidMasterKey is returned when master.key exists but is not exactly
// MasterKeyBytes long. This is a hard error; such a file is never
// silently regenerated or overwritten.
var ErrInvalidMasterKey = errors.New("keystore: master key has invalid length")

// encryptedKey is the on-disk representation of one stored credential.
type encryptedKey struct {
	Type       KeyType `json:"type"`
	Ciphertext string  `json:"ciphertext_b64"`
	Nonce      string  `json:"nonce_b64"`
	CustomName string  `json:"custom_name,omitempty"`
}

// fileLayout is the canonical serialization of user_keys.enc.
type fileLayout struct {
	Version uint32                    `json:"version"`
	Users   map[string][]encryptedKey `json:"users"`
}

const currentVersion uint32 = 1

const (
	masterKeyObject = "master.key"
	userKeysObject  = "user_keys.enc"
)

// Store is the encrypted per-user credential store.
type Store struct {
	mu        sync.RWMutex
	backend   storage.Backend
	masterKey []byte
	logger    *slog.Logger
	users     map[int64][]encryptedKey
	metrics   *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a Prometheus metrics bundle. Nil-safe when unset.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open loads (or initializes) a Store backed by backend. The master key is
// loaded if master.key exists and is exactly MasterKeyBytes long; it is
// generated with OS entropy and persisted otherwise. Any other length is a
// hard error.
func Open(ctx context.Context, backend storage.Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		logger:  slog.Default().With("component", "keystore"),
		users:   make(map[int64][]encryptedKey),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadOrCreateMasterKey(ctx); err != nil {
		return nil, err
	}
	if err := s.loadUserKeys(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrCreateMasterKey(ctx context.Context) error {
	existing, err := s.backend.Get(ctx, masterKeyObject)
	if err == nil {
		if len(existing) != MasterKeyBytes {
			return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidMasterKey, len(existing), MasterKeyBytes)
		}
		s.masterKey = existing
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("keystore: read master key: %w", err)
	}

	key := make([]byte, MasterKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("keystore: generate master key: %w", err)
	}
	if err := s.backend.Put(ctx, masterKeyObject, key); err != nil {
		return fmt.Errorf("keystore: persist master key: %w", err)
	}
	s.masterKey = key
	s.logger.Info("generated new master key")
	return nil
}

func (s *Store) loadUserKeys(ctx context.Context) error {
	data, err := s.backend.Get(ctx, userKeysObject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // cold start
	}
	if err != nil {
		return fmt.Errorf("keystore: read user keys: %w", err)
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		s.logger.Warn("user_keys.enc failed to parse, starting empty", "error", err)
		return nil
	}
	for idStr, keys := range layout.Users {
		var id int64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		s.users[id] = keys
	}
	return nil
}

func (s *Store) flush(ctx context.Context) error {
	layout := fileLayout{Version: currentVersion, Users: make(map[string][]encryptedKey, len(s.users))}
	for id, keys := range s.users {
		layout.Users[fmt.Sprintf("%d", id)] = keys
	}
	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	if err := s.backend.Put(ctx, userKeysObject, data); err != nil {
		return fmt.Errorf("keystore: flush: %w", err)
	}
	return nil
}

func (s *Store) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Store encrypts value with a fresh nonce and upserts it for (userID, typ).
// An existing record of the same type is overwritten.
func (s *Store) Store(ctx context.Context, userID int64, typ KeyType, value string, customName string) error {
	if value == "" {
		s.recordOp("store", "rejected")
		return ErrEmptyValue
	}
	if len(value) > MaxValueBytes {
		s.recordOp("store", "rejected")
		return fmt.Errorf("%w: %d > %d", ErrValueTooLarge, len(value), MaxValueBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := s.cipher()
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("keystore: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(value), nil)

	rec := encryptedKey{
		Type:       typ,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		CustomName: customName,
	}

	keys := s.users[userID]
	replaced := false
	for i, k := range keys {
		if k.Type == typ {
			keys[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		keys = append(keys, rec)
	}
	s.users[userID] = keys

	if err := s.flush(ctx); err != nil {
		s.recordOp("store", "error")
		return err
	}
	s.recordOp("store", "success")
	return nil
}

func (s *Store) recordOp(op, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.KeyStoreOperations.WithLabelValues(op, outcome).Inc()
}

// Get decrypts and returns the credential of type typ for userID, or
// (ok=false) if no such record exists. A tampered ciphertext or nonce
// surfaces as ErrCrypto, never as absence.
func (s *Store) Get(ctx context.Context, userID int64, typ KeyType) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *encryptedKey
	for _, k := range s.users[userID] {
		if k.Type == typ {
			found = &k
			break
		}
	}
	if found == nil {
		s.recordOp("get", "not_found")
		return "", false, nil
	}

	aead, err := s.cipher()
	if err != nil {
		s.recordOp("get", "error")
		return "", false, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(found.Ciphertext)
	if err != nil {
		s.recordOp("get", "crypto_error")
		return "", false, fmt.Errorf("%w: malformed ciphertext encoding", ErrCrypto)
	}
	nonce, err := base64.StdEncoding.DecodeString(found.Nonce)
	if err != nil {
		s.recordOp("get", "crypto_error")
		return "", false, fmt.Errorf("%w: malformed nonce encoding", ErrCrypto)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		s.recordOp("get", "crypto_error")
		return "", false, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	_ = ctx
	s.recordOp("get", "success")
	return string(plaintext), true, nil
}

// List returns the credential types stored for userID.
func (s *Store) List(userID int64) []KeyType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.users[userID]
	out := make([]KeyType, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Type)
	}
	return out
}

// Remove deletes the credential of type typ for userID, returning whether
// anything was removed.
func (s *Store) Remove(ctx context.Context, userID int64, typ KeyType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.users[userID]
	for i, k := range keys {
		if k.Type == typ {
			s.users[userID] = append(keys[:i], keys[i+1:]...)
			if err := s.flush(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Clear removes all credentials for userID.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	return s.flush(ctx)
}
