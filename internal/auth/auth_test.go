package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	merchant = "0x1234567890123456789012345678901234567890"
	payer    = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	rawKey, key, err := mgr.GenerateKey(context.Background(), "0xABCDEFabcdefabcdefabcdefabcdefabcdefABCD", "Test key")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rawKey, "sk_"))
	assert.Len(t, rawKey, 67) // "sk_" + 64 hex chars
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, payer, key.Identity, "identity is lowercased")
	assert.Equal(t, "Test key", key.Name)
	assert.NotEqual(t, rawKey, key.Hash)
	assert.NotEmpty(t, key.Hash)
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, merchant, "Primary")
	require.NoError(t, err)

	key, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, merchant, key.Identity)

	_, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	assert.NoError(t, err)

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	for _, name := range []string{"Key 1", "Key 2"} {
		_, _, err := mgr.GenerateKey(ctx, merchant, name)
		require.NoError(t, err)
	}
	_, _, err := mgr.GenerateKey(ctx, payer, "Key 3")
	require.NoError(t, err)

	keys, err := mgr.ListKeys(ctx, strings.ToUpper(merchant[2:]))
	require.NoError(t, err)
	assert.Empty(t, keys, "lookup is by full identity")

	keys, err = mgr.ListKeys(ctx, merchant)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = mgr.ListKeys(ctx, payer)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, merchant, "To revoke")
	require.NoError(t, err)

	_, err = mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, merchant))

	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, merchant), ErrKeyNotFound, "already revoked")
	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, payer), ErrKeyNotFound, "other identity's key")
}

func TestSeed(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	key, err := mgr.Seed(ctx, "sk_dev_merchant", merchant, "bootstrap")
	require.NoError(t, err)
	assert.Equal(t, merchant, key.Identity)

	again, err := mgr.Seed(ctx, "sk_dev_merchant", merchant, "bootstrap")
	require.NoError(t, err)
	assert.Equal(t, key.ID, again.ID, "seeding is idempotent")

	validated, err := mgr.ValidateKey(ctx, "Bearer sk_dev_merchant")
	require.NoError(t, err)
	assert.Equal(t, merchant, validated.Identity)

	_, err = mgr.Seed(ctx, "dev_merchant", merchant, "bootstrap")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, merchant, "Primary")
	require.NoError(t, err)

	key, err := store.GetByHash(ctx, hashKey(rawKey))
	require.NoError(t, err)
	key.Revoked = true

	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.NoError(t, err, "mutating a returned key must not affect the store")
}

func TestMemoryStore_UpdateKeepsRevocation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &APIKey{ID: "ak_1", Hash: "h1", Identity: merchant}))
	require.NoError(t, store.Update(ctx, &APIKey{ID: "ak_1", Revoked: true}))
	require.NoError(t, store.Update(ctx, &APIKey{ID: "ak_1", Revoked: false}))

	keys, err := store.GetByIdentity(ctx, merchant)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Revoked)

	assert.ErrorIs(t, store.Update(ctx, &APIKey{ID: "ak_missing"}), ErrKeyNotFound)
	assert.ErrorIs(t, store.Create(ctx, &APIKey{ID: "ak_2", Hash: "h1"}), ErrDuplicateKey)
}
