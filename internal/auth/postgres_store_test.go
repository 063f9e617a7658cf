//go:build integration

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybeam/paybeam/internal/testutil"
)

func TestPostgres_KeyLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	mgr := NewManager(NewPostgresStore(db))
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, merchant, "primary")
	require.NoError(t, err)

	got, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, merchant, got.Identity)

	keys, err := mgr.ListKeys(ctx, merchant)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, merchant))
	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestPostgres_DuplicateAndExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	key := &APIKey{ID: "ak_expired", Hash: hashKey("sk_expired"), Identity: payer, CreatedAt: time.Now(), ExpiresAt: &past}
	require.NoError(t, store.Create(ctx, key))
	assert.ErrorIs(t, store.Create(ctx, key), ErrDuplicateKey)

	_, err := store.GetByHash(ctx, key.Hash)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, store.Update(ctx, &APIKey{ID: "ak_missing"}), ErrKeyNotFound)
}
