package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/volsettle/internal/errs"
)

func balance(t *testing.T, l *MemoryLedger, holder Account, asset Asset) uint64 {
	t.Helper()
	b, err := l.Balance(context.Background(), holder, asset)
	require.NoError(t, err)
	return b
}

func TestExecuteAppliesBatch(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Credit(ctx, "alice", Quote, 1_000))

	err := l.Execute(ctx, []Instruction{
		Transfer(Quote, "alice", "pool", 600),
		Transfer(Quote, "alice", "fees", 100),
		MintTo("VOL", "alice", 5),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(300), balance(t, l, "alice", Quote))
	assert.Equal(t, uint64(600), balance(t, l, "pool", Quote))
	assert.Equal(t, uint64(100), balance(t, l, "fees", Quote))
	assert.Equal(t, uint64(5), balance(t, l, "alice", "VOL"))
	assert.Equal(t, uint64(5), l.Supply("VOL"))
	assert.Equal(t, uint64(1_000), l.Supply(Quote))
}

func TestExecuteIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Credit(ctx, "alice", Quote, 500))

	// ---- second transfer overdraws; the first must not be applied ----
	err := l.Execute(ctx, []Instruction{
		Transfer(Quote, "alice", "pool", 400),
		Transfer(Quote, "alice", "fees", 200),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInsufficientBalance))
	assert.Equal(t, uint64(500), balance(t, l, "alice", Quote))
	assert.Equal(t, uint64(0), balance(t, l, "pool", Quote))

	// ---- burn beyond holdings reports insufficient tokens ----
	err = l.Execute(ctx, []Instruction{
		MintTo("VOL", "alice", 3),
		Burn("VOL", "alice", 4),
	})
	assert.True(t, errors.Is(err, errs.ErrInsufficientTokens))
	assert.Equal(t, uint64(0), l.Supply("VOL"))
}

func TestExecuteSeesEarlierInstructions(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	err := l.Execute(ctx, []Instruction{
		MintTo("VOL", "bob", 10),
		Burn("VOL", "bob", 10),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance(t, l, "bob", "VOL"))
	assert.Equal(t, uint64(0), l.Supply("VOL"))
	assert.Empty(t, l.Holdings())
}

func TestExecuteHonoursCancelledContext(t *testing.T) {
	l := NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Credit(ctx, "alice", Quote, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), l.Supply(Quote))
}

func TestLedgerPersistence(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Credit(ctx, "alice", Quote, 700))
	require.NoError(t, l.Credit(ctx, "bob", Quote, 300))
	require.NoError(t, l.Credit(ctx, "bob", "VOL", 9))

	raw, err := l.MarshalBinary()
	require.NoError(t, err)

	restored := NewMemoryLedger()
	require.NoError(t, restored.UnmarshalBinary(raw))
	assert.Equal(t, l.Holdings(), restored.Holdings())
	assert.Equal(t, uint64(1_000), restored.Supply(Quote))
	assert.Equal(t, uint64(9), restored.Supply("VOL"))

	assert.Error(t, restored.UnmarshalBinary(raw[:len(raw)-3]))
}
