package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "volsettle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutBatch_GetAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutBatch(ctx, []Record{
		{Kind: KindFuturesPosition, Key: "vix/bob", Data: []byte{2}},
		{Kind: KindFuturesPosition, Key: "vix/alice", Data: []byte{1}},
		{Kind: KindOracle, Key: "oracle", Data: []byte{9, 9}},
	}))

	r, err := s.Get(ctx, KindOracle, "oracle")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, r.Data)
	assert.False(t, r.UpdatedAt.IsZero())

	list, err := s.List(ctx, KindFuturesPosition)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "vix/alice", list[0].Key)
	assert.Equal(t, "vix/bob", list[1].Key)
}

func TestPutBatch_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutBatch(ctx, []Record{{Kind: KindLedger, Key: "ledger", Data: []byte("a")}}))
	require.NoError(t, s.PutBatch(ctx, []Record{{Kind: KindLedger, Key: "ledger", Data: []byte("b")}}))

	r, err := s.Get(ctx, KindLedger, "ledger")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), r.Data)
}

func TestPutBatch_CancelledContextWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.PutBatch(ctx, []Record{{Kind: KindLedger, Key: "ledger", Data: []byte("x")}})
	require.Error(t, err)

	_, err = s.Get(context.Background(), KindLedger, "ledger")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), KindPerpConfig, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutBatch(ctx, []Record{{Kind: KindPerpPosition, Key: "m/a", Data: []byte{1}}}))
	require.NoError(t, s.Delete(ctx, KindPerpPosition, "m/a"))
	require.NoError(t, s.Delete(ctx, KindPerpPosition, "m/a"))

	list, err := s.List(ctx, KindPerpPosition)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.PutBatch(context.Background(), []Record{{Kind: KindOracle, Key: "oracle", Data: []byte{5}}}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	r, err := s.Get(context.Background(), KindOracle, "oracle")
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, r.Data)
}
