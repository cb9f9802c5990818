package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_WrapsCauseAndPreservesKind(t *testing.T) {
	cause := errors.New("boom")
	err := New(UpstreamTimeout, "Generate", cause, "user_id", 42)

	assert.Equal(t, UpstreamTimeout, KindOf(err))
	assert.True(t, Is(err, UpstreamTimeout))
	assert.False(t, Is(err, UpstreamFailure))
	assert.EqualError(t, errors.Unwrap(err), cause.Error())
	assert.Equal(t, 42, err.Context()["user_id"])
}

func TestNew_NilCauseStillYieldsNonNilError(t *testing.T) {
	err := New(Validation, "Check", nil)
	assert.NotNil(t, err)
	assert.Nil(t, err.Unwrap())
}

func TestKindOf_DefaultsToPersistentStoreForForeignErrors(t *testing.T) {
	foreign := errors.New("not ours")
	assert.Equal(t, PersistentStore, KindOf(foreign))
}

func TestKind_StringFormsAreStable(t *testing.T) {
	assert.Equal(t, "upstream_timeout", UpstreamTimeout.String())
	assert.Equal(t, "circuit_breaker_open", CircuitBreakerOpen.String())
}
