package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyFilterPassesEverything(t *testing.T) {
	f, err := Parse("")
	require.NoError(t, err)
	assert.True(t, f.Pass("anything at all"))
	assert.True(t, f.Pass(""))
}

func TestWholeLineModeMatchesRawLine(t *testing.T) {
	f, err := Parse("^ERROR")
	require.NoError(t, err)
	assert.True(t, f.Pass("ERROR: disk full"))
	assert.False(t, f.Pass("INFO: all good"))
}

func TestJSONKeyModeRequiresAllKeysToMatch(t *testing.T) {
	f, err := Parse("level=ERROR,service=checkout")
	require.NoError(t, err)

	assert.True(t, f.Pass(`{"level":"ERROR","service":"checkout"}`))
	assert.False(t, f.Pass(`{"level":"INFO","service":"checkout"}`))
	assert.False(t, f.Pass(`{"level":"ERROR"}`))
	assert.False(t, f.Pass("not json at all"))
}

func TestParseRejectsInvalidRegex(t *testing.T) {
	_, err := Parse("key=(unterminated")
	assert.Error(t, err)
}

func TestParseRejectsMalformedJSONKeyRule(t *testing.T) {
	_, err := Parse("=novalue")
	assert.Error(t, err)
}
