package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey(0)
	require.NoError(t, err)
	assert.Len(t, key, DefaultGeneratedKeyLength)

	for _, r := range key {
		assert.True(t, strings.ContainsRune(KeyCharset, r), "unexpected rune %q", r)
	}

	other, err := GenerateMasterKey(0)
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	long, err := GenerateMasterKey(128)
	require.NoError(t, err)
	assert.Len(t, long, 128)

	_, err = GenerateMasterKey(16)
	assert.Error(t, err)
}

func TestGenerateMasterKey_Usable(t *testing.T) {
	key, err := GenerateMasterKey(MinMasterKeyLength)
	require.NoError(t, err)

	codec, err := New(key)
	require.NoError(t, err)
	assert.NoError(t, SelfTest(codec))
}

func TestAssessMasterKey(t *testing.T) {
	weak := AssessMasterKey("short")
	assert.Error(t, weak.Problem)
	assert.False(t, weak.Strong)
	assert.True(t, weak.Lower)
	assert.False(t, weak.Upper)

	lowerOnly := AssessMasterKey(strings.Repeat("a", 64))
	assert.NoError(t, lowerOnly.Problem)
	assert.False(t, lowerOnly.Strong)

	strong := AssessMasterKey(strings.Repeat("aB3!", 13))
	assert.Equal(t, 52, strong.Length)
	assert.True(t, strong.Upper && strong.Lower && strong.Digit && strong.Symbol)
	assert.True(t, strong.Strong)
}
