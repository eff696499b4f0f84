package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_TypedError(t *testing.T) {
	err := New(KindTimeout, "query deadline exceeded")
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestKindOf_WrappedChain(t *testing.T) {
	inner := New(KindQuotaExceeded, "provider quota exhausted")
	outer := fmt.Errorf("completion call: %w", inner)
	assert.Equal(t, KindQuotaExceeded, KindOf(outer))
	assert.True(t, Is(outer, KindQuotaExceeded))
}

func TestKindOf_UntypedError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestKindOf_Nil(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrap_NilCause(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, "ignored", nil))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindConnectionLost, "pool acquire", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindConnectionLost, KindOf(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "rate limited")))
	assert.True(t, Retryable(New(KindConnectionLost, "reset")))
	assert.False(t, Retryable(New(KindQuotaExceeded, "quota")))
	assert.False(t, Retryable(New(KindUnauthorized, "bad key")))
	assert.False(t, Retryable(nil))
}
