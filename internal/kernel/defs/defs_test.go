package defs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandlePacking(t *testing.T) {
	h := MakeHandle(42, 7)
	assert.Equal(t, uint32(42), h.Slot())
	assert.Equal(t, uint32(7), h.Gen())
	assert.Equal(t, "h42.g7", h.String())

	max := MakeHandle(^uint32(0), ^uint32(0))
	assert.Equal(t, ^uint32(0), max.Slot())
	assert.Equal(t, ^uint32(0), max.Gen())
}

func TestCoreMask(t *testing.T) {
	m := SingleCore(2) | SingleCore(5)
	assert.True(t, m.Allows(2))
	assert.True(t, m.Allows(5))
	assert.False(t, m.Allows(0))
	assert.Equal(t, 2, m.Count(8))
	assert.Equal(t, 1, m.Count(4))

	first, ok := m.First(8)
	assert.True(t, ok)
	assert.Equal(t, CoreID(2), first)

	_, ok = m.First(2)
	assert.False(t, ok)

	assert.Equal(t, 8, AllCores.Count(8))
}

func TestErrnoRoundTrip(t *testing.T) {
	errs := []error{
		ErrInvalidHandle, ErrUseAfterRevoke, ErrRightsViolation,
		ErrAdmissionDenied, ErrTimeout, ErrPeerClosed,
		ErrResourceExhausted, ErrInvalidPermissions, ErrInvalidArgument,
	}
	for _, e := range errs {
		code := ErrnoOf(e)
		assert.NotEqual(t, EOK, code)
		assert.ErrorIs(t, ErrnoErr(code), e)
	}
	assert.Equal(t, EOK, ErrnoOf(nil))
	assert.NoError(t, ErrnoErr(EOK))

	// Wrapped errors map through.
	wrapped := fmt.Errorf("slot 3: %w", ErrUseAfterRevoke)
	assert.Equal(t, EUseAfterRevoke, ErrnoOf(wrapped))

	// Anything outside the taxonomy lands on the rejected-input code.
	assert.Equal(t, EInvalidArgument, ErrnoOf(fmt.Errorf("mystery")))
}

func TestManualClock(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())
	c.Advance(50 * time.Millisecond)
	assert.Equal(t, start.Add(50*time.Millisecond), c.Now())
}
