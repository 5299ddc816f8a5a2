package runtimeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "missing")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", New(KindBadRequest, "bad id"))
	assert.Equal(t, KindBadRequest, KindOf(wrapped))
}

func TestIs(t *testing.T) {
	err := Wrap(KindCancelled, "turn cancelled", errors.New("context canceled"))
	assert.True(t, Is(err, KindCancelled))
	assert.False(t, Is(err, KindModelError))
	assert.False(t, Is(errors.New("plain"), KindCancelled))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindInternal, "nothing", nil))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("socket closed")
	err := Wrap(KindModelError, "stream aborted", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "model_error")
	assert.Contains(t, err.Error(), "socket closed")
}

func TestCredentialUnavailable(t *testing.T) {
	err := CredentialUnavailable("api-key-ref", errors.New("store down"))
	assert.Equal(t, KindCredentialUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "api-key-ref")
}
