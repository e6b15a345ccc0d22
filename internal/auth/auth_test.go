package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/p402/facilitator/internal/apperr"
	"github.com/p402/facilitator/internal/validation"
)

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) GetByHash(context.Context, string) (*APIKey, error) {
	return nil, f.err
}

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "tenant_acme", "Test key", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		t.Errorf("Expected raw key to start with %s, got %s", KeyPrefix, rawKey[:8])
	}
	if !validation.IsValidAPIKey(rawKey) {
		t.Errorf("Generated key %q does not match the API key format", rawKey)
	}
	if len(rawKey) != len(KeyPrefix)+keyBodyLen {
		t.Errorf("Expected raw key length %d, got %d", len(KeyPrefix)+keyBodyLen, len(rawKey))
	}

	// Check key metadata
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.TenantID != "tenant_acme" {
		t.Errorf("Expected tenant tenant_acme, got %s", key.TenantID)
	}
	if key.Hash != HashKey(rawKey) {
		t.Error("Expected the stored hash to be the SHA-256 of the raw key")
	}
	if strings.Contains(key.Hash, rawKey) {
		t.Error("Raw key must never be stored")
	}
	if key.ExpiresAt != nil {
		t.Error("Expected no expiry without a ttl")
	}
}

func TestGenerateKey_RequiresTenant(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	if _, _, err := mgr.GenerateKey(context.Background(), "  ", "x", 0); !errors.Is(err, ErrNoTenant) {
		t.Errorf("Expected ErrNoTenant, got %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "tenant_acme", "Primary", 0)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}
	if key.TenantID != "tenant_acme" {
		t.Errorf("Expected tenant tenant_acme, got %s", key.TenantID)
	}

	// Bearer prefix
	if _, err := mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey with Bearer prefix failed: %v", err)
	}
}

func TestValidateKey_Rejections(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewMemoryStore()
	mgr := NewManager(store, WithClock(clock))
	ctx := context.Background()

	revoked, revokedKey, _ := mgr.GenerateKey(ctx, "tenant_acme", "old", 0)
	if err := mgr.RevokeKey(ctx, revokedKey.ID, "tenant_acme"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	expiring, _, _ := mgr.GenerateKey(ctx, "tenant_acme", "short", time.Minute)
	now = now.Add(2 * time.Minute)

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"bearer only", "Bearer "},
		{"wrong prefix", "sk_" + strings.Repeat("a", 40)},
		{"too short", KeyPrefix + "abc"},
		{"unknown", KeyPrefix + strings.Repeat("a", 40)},
		{"revoked", revoked},
		{"expired", expiring},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.ValidateKey(ctx, tc.raw)
			if !apperr.HasKind(err, apperr.Unauthorized) {
				t.Errorf("Expected UNAUTHORIZED, got %v", err)
			}
		})
	}
}

func TestValidateKey_StoreOutage(t *testing.T) {
	mgr := NewManager(&failingStore{MemoryStore: NewMemoryStore(), err: errors.New("connection refused")})

	_, err := mgr.ValidateKey(context.Background(), KeyPrefix+strings.Repeat("a", 40))
	if !apperr.HasKind(err, apperr.StoreUnavailable) {
		t.Errorf("Expected STORE_UNAVAILABLE, got %v", err)
	}
}

func TestValidateKey_RecordsLastUse(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "tenant_acme", "Primary", 0)
	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Fatalf("ValidateKey failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		keys, _ := store.GetByTenant(ctx, "tenant_acme")
		if len(keys) == 1 && keys[0].ID == key.ID && !keys[0].LastUsed.IsZero() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Expected LastUsed to be recorded")
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	mgr.GenerateKey(ctx, "tenant_a", "Key 1", 0)
	mgr.GenerateKey(ctx, "tenant_a", "Key 2", 0)
	mgr.GenerateKey(ctx, "tenant_b", "Other", 0)

	keys, err := mgr.ListKeys(ctx, "tenant_a")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	_, key, _ := mgr.GenerateKey(ctx, "tenant_a", "Primary", 0)

	// Another tenant cannot revoke it
	if err := mgr.RevokeKey(ctx, key.ID, "tenant_b"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for another tenant, got %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, "tenant_a"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	// Already revoked
	if err := mgr.RevokeKey(ctx, key.ID, "tenant_a"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for a revoked key, got %v", err)
	}
}

func TestMemoryStore_UpdateNeverUnrevokes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, &APIKey{ID: "ak_1", Hash: "h", TenantID: "t", Revoked: true})

	// A stale copy (as held by an in-flight last-use update) must not undo
	// the revocation.
	if err := store.Update(ctx, &APIKey{ID: "ak_1", LastUsed: time.Now()}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	k, _ := store.GetByHash(ctx, "h")
	if !k.Revoked {
		t.Error("Expected key to stay revoked")
	}

	if err := store.Update(ctx, &APIKey{ID: "missing"}); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}
