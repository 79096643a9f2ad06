package store

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateReadUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "k1", []byte("v1")))
	assert.ErrorIs(t, s.Create(ctx, "k1", []byte("other")), ErrKeyExists)

	value, err := s.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	_, err = s.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	err = s.Update(ctx, "k1", func(current []byte) ([]byte, error) {
		assert.Equal(t, []byte("v1"), current)
		return []byte("v2"), nil
	})
	require.NoError(t, err)

	value, err = s.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	err = s.Update(ctx, "missing", func([]byte) ([]byte, error) {
		t.Fatal("mutator must not run for a missing key")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryStore_UpdateMutatorErrorLeavesValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "k1", []byte("v1")))

	boom := errors.New("boom")
	err := s.Update(ctx, "k1", func([]byte) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	value, err := s.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)
}

func TestMemoryStore_ReadReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "k1", []byte("v1")))

	value, _ := s.Read(ctx, "k1")
	value[0] = 'X'

	fresh, _ := s.Read(ctx, "k1")
	assert.Equal(t, []byte("v1"), fresh)
}

func TestMemoryStore_ApplyAllOrNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "existing", []byte("old")))

	batch := Batch{
		Creates: map[string][]byte{
			"existing": []byte("clash"),
			"fresh":    []byte("new"),
		},
		Updates: map[string][]byte{
			"existing": []byte("changed"),
		},
	}
	assert.ErrorIs(t, s.Apply(ctx, batch), ErrKeyExists)

	// Nothing from the rejected batch landed.
	value, err := s.Read(ctx, "existing")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), value)
	_, err = s.Read(ctx, "fresh")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ok := Batch{
		Creates: map[string][]byte{"fresh": []byte("new")},
		Updates: map[string][]byte{"existing": []byte("changed")},
	}
	require.NoError(t, s.Apply(ctx, ok))
	assert.Equal(t, 2, s.Len())
}

func TestBatch_Empty(t *testing.T) {
	assert.True(t, Batch{}.Empty())
	assert.False(t, Batch{Creates: map[string][]byte{"k": nil}}.Empty())
	assert.False(t, Batch{Updates: map[string][]byte{"k": nil}}.Empty())
}

func TestRedisStore_Create(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db)
	ctx := context.Background()

	mock.ExpectSetNX("ledger:k1", []byte("v1"), 0).SetVal(true)
	require.NoError(t, s.Create(ctx, "k1", []byte("v1")))

	mock.ExpectSetNX("ledger:k1", []byte("v1"), 0).SetVal(false)
	assert.ErrorIs(t, s.Create(ctx, "k1", []byte("v1")), ErrKeyExists)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Read(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db)
	ctx := context.Background()

	mock.ExpectGet("ledger:k1").SetVal("v1")
	value, err := s.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	mock.ExpectGet("ledger:missing").RedisNil()
	_, err = s.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Apply(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db)
	ctx := context.Background()

	// One create and one update keeps the key order deterministic.
	batch := Batch{
		Creates: map[string][]byte{"t1": []byte("ticket")},
		Updates: map[string][]byte{"e1": []byte("event")},
	}

	mock.ExpectEvalSha(applyBatchScript.Hash(),
		[]string{"ledger:t1", "ledger:e1"},
		1, "ticket", "event",
	).SetVal(int64(2))
	require.NoError(t, s.Apply(ctx, batch))

	mock.ExpectEvalSha(applyBatchScript.Hash(),
		[]string{"ledger:t1", "ledger:e1"},
		1, "ticket", "event",
	).SetErr(errors.New("key_exists"))
	assert.ErrorIs(t, s.Apply(ctx, batch), ErrKeyExists)

	// An empty batch never touches Redis.
	require.NoError(t, s.Apply(ctx, Batch{}))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Update(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db)
	ctx := context.Background()

	mock.ExpectWatch("ledger:k1")
	mock.ExpectGet("ledger:k1").SetVal("v1")
	mock.ExpectTxPipeline()
	mock.ExpectSet("ledger:k1", []byte("v2"), 0).SetVal("OK")
	mock.ExpectTxPipelineExec()

	err := s.Update(ctx, "k1", func(current []byte) ([]byte, error) {
		assert.Equal(t, []byte("v1"), current)
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
