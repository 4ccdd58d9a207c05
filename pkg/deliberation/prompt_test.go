package deliberation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	out, err := Render("hello {{name}}", map[string]string{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)
}

func TestRenderIsLiteralNeverRecursive(t *testing.T) {
	// A value containing a placeholder must not be expanded again.
	out, err := Render("x {{a}} y", map[string]string{"a": "{{b}}", "b": "boom"})
	require.NoError(t, err)
	assert.Equal(t, "x {{b}} y", out)
}

func TestRenderMissingVariablesSorted(t *testing.T) {
	_, err := Render("{{zeta}} {{alpha}} {{zeta}}", map[string]string{})
	var missing *MissingVariablesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"alpha", "zeta"}, missing.Names)
	assert.Equal(t, "missing template variables: alpha, zeta", err.Error())
}

func TestRenderLeavesNonWordPlaceholdersAlone(t *testing.T) {
	out, err := Render("keep {{not valid}} and {{ spaced }}", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "keep {{not valid}} and {{ spaced }}", out)
}

func TestRenderMultipleOccurrences(t *testing.T) {
	out, err := Render("{{x}}-{{x}}", map[string]string{"x": "v"})
	require.NoError(t, err)
	assert.Equal(t, "v-v", out)
}
