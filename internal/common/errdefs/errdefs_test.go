package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindPrecondition, KindOf(Preconditionf("kill switch active")))
	assert.Equal(t, KindConflict, KindOf(Conflictf("version mismatch")))
	assert.Equal(t, KindNotFound, KindOf(NotFoundf("agent not found: %s", "a1")))
	assert.Equal(t, KindInvalid, KindOf(Invalidf("invalid priority %d", 9)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrappedClassification(t *testing.T) {
	inner := Preconditionf("maximum agents reached")
	wrapped := fmt.Errorf("create agent: %w", inner)

	assert.True(t, IsPrecondition(wrapped))
	assert.False(t, IsConflict(wrapped))
}

func TestTransientUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Transient("persist agent state", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "persist agent state")
	assert.Contains(t, err.Error(), "disk full")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "precondition", KindPrecondition.String())
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
