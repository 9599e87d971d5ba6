package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPtrCopiesValue(t *testing.T) {
	v := 0.2
	p := Ptr(v)
	v = 0.9

	assert.Equal(t, 0.2, *p)
	assert.Zero(t, *Ptr(0.0))
}
