package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(id string) *Record {
	return &Record{
		SessionID: id,
		Status:    StatusStarting,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Insert(ctx, newRecord("s1")))

	rec, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, StatusStarting, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.False(t, rec.Completed)
}

func TestMemoryStore_InsertCollisionFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Insert(ctx, newRecord("s1")))
	assert.ErrorIs(t, store.Insert(ctx, newRecord("s1")), ErrExists)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, newRecord("s1")))

	rec, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	rec.Progress = 99 // mutating the copy must not leak into the store

	again, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Progress)
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, newRecord("s1")))

	err := store.Update(ctx, "s1", func(rec *Record) {
		rec.Progress = 50
		rec.Status = StatusWriting
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Progress)
	assert.Equal(t, StatusWriting, rec.Status)
}

func TestMemoryStore_UpdateUnknown(t *testing.T) {
	store := NewMemoryStore()

	err := store.Update(context.Background(), "nope", func(rec *Record) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DeleteAndLen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, newRecord("s1")))
	require.NoError(t, store.Insert(ctx, newRecord("s2")))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.Delete(ctx, "s1"))
	// Deleting an absent record is fine.
	require.NoError(t, store.Delete(ctx, "s1"))

	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, newRecord("s1")))
	require.NoError(t, store.Insert(ctx, newRecord("s2")))

	recs, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestMemoryStore_ConcurrentReadersAndWriter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Insert(ctx, newRecord("s1")))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			p := i
			_ = store.Update(ctx, "s1", func(rec *Record) { rec.Progress = p })
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for i := 0; i < 100; i++ {
				rec, err := store.Get(ctx, "s1")
				if assert.NoError(t, err) {
					// Single writer only moves progress forward.
					assert.GreaterOrEqual(t, rec.Progress, last)
					last = rec.Progress
				}
			}
		}()
	}

	wg.Wait()
}

func TestRecord_Terminal(t *testing.T) {
	assert.False(t, (&Record{}).Terminal())
	assert.True(t, (&Record{Completed: true}).Terminal())
	assert.True(t, (&Record{Error: "boom"}).Terminal())
}

func TestStatusIllustrating(t *testing.T) {
	assert.Equal(t, Status("illustrating page 3 of 12"), StatusIllustrating(3, 12))
}
