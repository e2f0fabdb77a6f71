package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(New(NotFound, "no such row")))
	assert.Equal(t, BadRequest, KindOf(Newf(BadRequest, "bad field %q", "x")))

	// plain errors default to Internal
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Internal, KindOf(nil))
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := New(Conflict, "token collision")
	wrapped := fmt.Errorf("creating session: %w", inner)

	assert.Equal(t, Conflict, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, Conflict))
	assert.False(t, IsKind(wrapped, NotFound))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Internal, cause, "writing image")

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "writing image")
	assert.Contains(t, err.Error(), "disk full")
}
