package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Hash("hello"))
	assert.Equal(t, "2cf24dba5fb0", ShortHash("hello"))
	assert.Empty(t, ShortHash(""))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", Mask("  "))
	assert.Equal(t, "abc", Mask("abc"))
	assert.Equal(t, "*******cafe", Mask("indies.cafe"))
}
