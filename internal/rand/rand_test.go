package rand_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/couchmodel/couchmodel.go/internal/rand"
)

func TestToken(t *testing.T) {
	tok := rand.Token(16)
	assert.Len(t, tok, 16)
	assert.Equal(t, "", strings.Trim(tok, "0123456789abcdef"))
	assert.NotEqual(t, tok, rand.Token(16))
}

func TestNextRevision(t *testing.T) {
	first := rand.NextRevision("", 8)
	assert.True(t, strings.HasPrefix(first, "1-"), first)

	second := rand.NextRevision(first, 8)
	assert.True(t, strings.HasPrefix(second, "2-"), second)

	assert.True(t, strings.HasPrefix(rand.NextRevision("garbage", 8), "1-"))
	assert.True(t, strings.HasPrefix(rand.NextRevision("41-abc", 8), "42-"))
}
