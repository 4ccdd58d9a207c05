package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRegexPatternAcceptsSafePattern(t *testing.T) {
	assert.NoError(t, ValidateRegexPattern(`(?i)ignore previous instructions`))
	assert.NoError(t, ValidateRegexPattern(`a+!`))
}

func TestValidateRegexPatternRejectsEmpty(t *testing.T) {
	err := ValidateRegexPattern("")
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "pattern", validErr.Field)
}

func TestValidateRegexPatternRejectsNonCompiling(t *testing.T) {
	err := ValidateRegexPattern(`([unclosed`)
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Contains(t, validErr.Message, "compile")
}

func TestValidateRegexPatternRejectsOverlong(t *testing.T) {
	err := ValidateRegexPattern(strings.Repeat("a", 10001))
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Contains(t, validErr.Message, "maximum length")
}

func TestGenerateAPIKeyShape(t *testing.T) {
	raw, hash, prefix, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, "ssk_"))
	assert.Len(t, raw, 4+43)
	assert.Len(t, prefix, 8)
	assert.Equal(t, raw[:8], prefix)

	// Lowercase hex SHA-256.
	assert.Len(t, hash, 64)
	assert.Equal(t, strings.ToLower(hash), hash)
	assert.Equal(t, HashAPIKey(raw), hash)
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		raw, _, _, err := GenerateAPIKey()
		require.NoError(t, err)
		assert.False(t, seen[raw])
		seen[raw] = true
	}
}
