package app

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateJoinCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := generateJoinCode()
		require.NoError(t, err)
		require.Len(t, code, joinCodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(joinCodeAlphabet, r), "unexpected rune %q", r)
		}
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 190)
}

func TestCredentials(t *testing.T) {
	a, err := generateCredential()
	require.NoError(t, err)
	b, err := generateCredential()
	require.NoError(t, err)
	assert.Len(t, a, 2*credentialBytes)
	assert.NotEqual(t, a, b)

	hash := HashCredential(a)
	assert.NotEqual(t, a, hash)
	assert.Equal(t, hash, HashCredential(a))

	assert.True(t, credentialMatches(hash, a))
	assert.False(t, credentialMatches(hash, b))
	assert.False(t, credentialMatches(hash, ""))
	assert.False(t, credentialMatches("", a))
}
