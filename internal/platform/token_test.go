package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewToken_Format(t *testing.T) {
	raw := NewToken()
	assert.Regexp(t, `^nh_[0-9a-f]{64}$`, raw)
}

func TestNewToken_ReturnsUniqueValues(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		raw := NewToken()
		assert.False(t, seen[raw], "duplicate token generated")
		seen[raw] = true
	}
	assert.Len(t, seen, 100)
}

func TestHashToken_Deterministic(t *testing.T) {
	a := HashToken("nh_abc")
	b := HashToken("nh_abc")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^[0-9a-f]{64}$`, a)
	assert.NotEqual(t, a, HashToken("nh_abd"))
}

func TestTokenPrefix(t *testing.T) {
	raw := NewToken()
	prefix := TokenPrefix(raw)
	assert.Len(t, prefix, TokenPrefixLen)
	assert.True(t, len(raw) > len(prefix))
	assert.Equal(t, raw[:TokenPrefixLen], prefix)

	assert.Equal(t, "nh_ab", TokenPrefix("nh_ab"))
}
