// Package auth maps API keys to authenticated identities.
//
// Authentication model:
//   - Reads (invoice lookup, verification): no auth required
//   - Mutations (create, pay, expire, refund): API key required; handlers
//     compare the key's identity with the merchant or payer named in the request
//   - Keys are issued through the admin-secret protected endpoint or seeded
//     from API_KEYS in development
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrDuplicateKey  = errors.New("API key already exists")
)

const keyPrefix = "sk_"

// APIKey binds a hashed secret to the identity it authenticates.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 of the raw key
	Identity  string     `json:"identity"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByIdentity(ctx context.Context, identity string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates keys.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store, logger: slog.Default()}
}

// WithLogger sets the logger used for background bookkeeping failures.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// GenerateKey creates a new API key for identity.
// The raw key is returned once; only its hash is stored.
func (m *Manager) GenerateKey(ctx context.Context, identity, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		Identity:  strings.ToLower(strings.TrimSpace(identity)),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Seed registers a caller-chosen raw key for identity. Used for bootstrap
// keys from configuration; seeding the same key twice is a no-op.
func (m *Manager) Seed(ctx context.Context, rawKey, identity, name string) (*APIKey, error) {
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, keyPrefix) || len(rawKey) <= len(keyPrefix) {
		return nil, ErrInvalidAPIKey
	}
	hash := hashKey(rawKey)
	if existing, err := m.store.GetByHash(ctx, hash); err == nil {
		return existing, nil
	}

	key := &APIKey{
		ID:        "ak_" + hash[:16],
		Hash:      hash,
		Identity:  strings.ToLower(strings.TrimSpace(identity)),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey validates a raw key (optionally "Bearer "-prefixed) and
// returns its metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used tracking is best effort and must not delay the request.
	touched := *key
	touched.LastUsed = time.Now().UTC()
	go func() {
		if err := m.store.Update(context.Background(), &touched); err != nil {
			m.logger.Warn("failed to record key usage", "key_id", touched.ID, "error", err)
		}
	}()

	return key, nil
}

// ListKeys returns all keys for identity.
func (m *Manager) ListKeys(ctx context.Context, identity string) ([]*APIKey, error) {
	return m.store.GetByIdentity(ctx, strings.ToLower(identity))
}

// RevokeKey revokes one of identity's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, identity string) error {
	keys, err := m.store.GetByIdentity(ctx, strings.ToLower(identity))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	for _, k := range s.keys {
		if k.Hash == key.Hash {
			return ErrDuplicateKey
		}
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByIdentity(ctx context.Context, identity string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.Identity, identity) {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update writes the mutable fields (last used, revoked).
func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if key.LastUsed.After(existing.LastUsed) {
		existing.LastUsed = key.LastUsed
	}
	existing.Revoked = existing.Revoked || key.Revoked
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
