package cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRightsHasAndSubset(t *testing.T) {
	rw := RightRead | RightWrite

	assert.True(t, rw.Has(RightRead))
	assert.True(t, rw.Has(rw))
	assert.False(t, rw.Has(RightRead|RightExecute))

	assert.True(t, RightRead.Subset(rw))
	assert.True(t, Rights(0).Subset(rw))
	assert.False(t, (rw | RightMap).Subset(rw))
}

func TestRightsValidate(t *testing.T) {
	assert.True(t, RightsAll.Validate())
	assert.True(t, Rights(0).Validate())
	assert.False(t, Rights(1<<15).Validate())
}

func TestRightsString(t *testing.T) {
	assert.Equal(t, "none", Rights(0).String())
	assert.Equal(t, "read|write", (RightRead | RightWrite).String())
	assert.Equal(t, "send", RightSend.String())
}
