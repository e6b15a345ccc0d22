// Package auth provides tenant API key authentication for the facilitator.
//
// Authentication model:
//   - Every settlement and verification call carries "Authorization: Bearer p402_..."
//   - Keys are stored only as SHA-256 hashes and resolve to a tenant
//   - Keys are issued out of band (p402ctl keys create) or by an already
//     authenticated tenant
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/idgen"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/validation"
)

// KeyPrefix starts every raw API key.
const KeyPrefix = "p402_"

// keyBodyLen is the random alphanumeric part of a generated key.
const keyBodyLen = 40

// Errors
var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound   = errors.New("auth: API key not found")
	ErrNoTenant      = errors.New("auth: tenant required")
)

// APIKey is the stored form of an API key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA-256 of the raw key
	TenantID  string     `json:"tenantId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	// GetByHash returns ErrKeyNotFound for an unknown hash.
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source used for creation and expiry.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new auth manager
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateKey creates a new API key for a tenant.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, tenantID, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", nil, ErrNoTenant
	}

	rawKey = KeyPrefix + idgen.Alnum(keyBodyLen)
	now := m.now()
	key = &APIKey{
		ID:        "ak_" + idgen.Hex(8),
		Hash:      HashKey(rawKey),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed) to its
// stored record. Missing, malformed, unknown, revoked and expired keys all
// fail with UNAUTHORIZED; a store outage fails with STORE_UNAVAILABLE.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rawKey), "Bearer "))
	if rawKey == "" {
		return nil, apperr.Wrap(apperr.Unauthorized, "API key required", ErrNoAPIKey)
	}
	if !validation.IsValidAPIKey(rawKey) {
		return nil, apperr.Wrap(apperr.Unauthorized, "Invalid API key", ErrInvalidAPIKey)
	}

	key, err := m.store.GetByHash(ctx, HashKey(rawKey))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, apperr.Wrap(apperr.Unauthorized, "Invalid API key", ErrInvalidAPIKey)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, "API key store unavailable", err)
	}

	if key.Revoked || (key.ExpiresAt != nil && m.now().After(*key.ExpiresAt)) {
		return nil, apperr.Wrap(apperr.Unauthorized, "Invalid API key", ErrInvalidAPIKey)
	}

	m.touch(ctx, *key)
	return key, nil
}

// touch records last use without holding up the request.
func (m *Manager) touch(ctx context.Context, key APIKey) {
	key.LastUsed = m.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.store.Update(ctx, &key); err != nil {
			logging.L(ctx).Debug("failed to record API key use", "key_id", key.ID, "error", err)
		}
	}()
}

// ListKeys returns all keys for a tenant
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return m.store.GetByTenant(ctx, tenantID)
}

// RevokeKey revokes one of the tenant's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, tenantID string) error {
	keys, err := m.store.GetByTenant(ctx, tenantID)
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

// HashKey returns the stored hash of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = *key
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return &k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByTenant(_ context.Context, tenantID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			result = append(result, &k)
		}
	}
	return result, nil
}

// Update stores the mutable fields of key (last use and revocation).
func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	existing.LastUsed = key.LastUsed
	existing.Revoked = existing.Revoked || key.Revoked
	s.keys[key.ID] = existing
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
