package errs

import (
	"errors"
	"fmt"
	"testing"

	errorsmod "cosmossdk.io/errors"
	"github.com/stretchr/testify/assert"
)

func TestWrappedErrorsMatch(t *testing.T) {
	err := errorsmod.Wrapf(ErrInsufficientBalance, "have %d, need %d", 10, 20)

	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.False(t, errors.Is(err, ErrInsufficientTokens))
	assert.Contains(t, err.Error(), "have 10, need 20")
}

func TestCode(t *testing.T) {
	assert.Equal(t, uint32(0), Code(nil))
	assert.Equal(t, uint32(6), Code(errorsmod.Wrap(ErrMathOverflow, "mul")))
	assert.Equal(t, uint32(1), Code(fmt.Errorf("plain")))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "market expired", Kind(errorsmod.Wrap(ErrMarketExpired, "epoch 3")))
	assert.Equal(t, "internal", Kind(fmt.Errorf("boom")))
}
