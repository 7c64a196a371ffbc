package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"practice-sync/internal/kvstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingStore struct{ *kvstore.MemoryStore }

func (*failingStore) Set(context.Context, string, []byte) error { return errors.New("quota exceeded") }

func TestAdvanceIsMonotonicAndPersisted(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	log := zap.NewNop().Sugar()

	tr := Load(ctx, store, "user-1", log)
	assert.True(t, tr.Current().IsZero())

	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, tr.Advance(ctx, t1))
	assert.False(t, tr.Advance(ctx, t1.Add(-time.Minute)))
	assert.False(t, tr.Advance(ctx, t1))
	assert.Equal(t, t1, tr.Current())

	raw, err := store.Get(ctx, Key("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:00:00Z", string(raw))

	reloaded := Load(ctx, store, "user-1", log)
	assert.Equal(t, t1, reloaded.Current())

	reloaded.Reset(ctx)
	assert.True(t, reloaded.Current().IsZero())
	_, err = store.Get(ctx, Key("user-1"))
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestCorruptRecordStartsFromZero(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	require.NoError(t, store.Set(ctx, Key("u"), []byte("yesterday")))

	tr := Load(ctx, store, "u", zap.NewNop().Sugar())
	assert.True(t, tr.Current().IsZero())
}

func TestStorageFailureKeepsWorkingInMemory(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{kvstore.NewMemoryStore()}

	tr := Load(ctx, store, "u", zap.NewNop().Sugar())
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, tr.Advance(ctx, ts))
	assert.True(t, tr.Advance(ctx, ts.Add(time.Second)))
	assert.Equal(t, ts.Add(time.Second), tr.Current())
}
