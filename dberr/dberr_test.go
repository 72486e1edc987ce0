package dberr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndIs(t *testing.T) {
	err := New(KindNotFound, "thing %s missing", "user:1")
	require.Error(t, err)
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindParse))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, cause, "saving record")

	assert.True(t, Is(err, KindInternal))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}
