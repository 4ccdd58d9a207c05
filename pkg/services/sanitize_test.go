package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMetadataRedactsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"password": "X",
		"email":    "e",
		"API_KEY":  "sk-123",
		"Token":    "t",
		"note":     "keep me",
	}

	out := SanitizeMetadata(in)

	assert.Equal(t, RedactedValue, out["password"])
	assert.Equal(t, RedactedValue, out["API_KEY"])
	assert.Equal(t, RedactedValue, out["Token"])
	assert.Equal(t, "e", out["email"])
	assert.Equal(t, "keep me", out["note"])

	// Original map is untouched.
	assert.Equal(t, "X", in["password"])
}

func TestSanitizeMetadataRedactsNestedKeys(t *testing.T) {
	in := map[string]any{
		"outer": map[string]any{
			"hashed_password": "abc",
			"api_key_hash":    "def",
			"inner": map[string]any{
				"client_secret": "s",
				"name":          "n",
			},
		},
		"list": []any{
			map[string]any{"auth_token": "z", "ok": 1},
		},
	}

	out := SanitizeMetadata(in)

	outer := out["outer"].(map[string]any)
	assert.Equal(t, RedactedValue, outer["hashed_password"])
	assert.Equal(t, RedactedValue, outer["api_key_hash"])

	inner := outer["inner"].(map[string]any)
	assert.Equal(t, RedactedValue, inner["client_secret"])
	assert.Equal(t, "n", inner["name"])

	listItem := out["list"].([]any)[0].(map[string]any)
	assert.Equal(t, RedactedValue, listItem["auth_token"])
	assert.Equal(t, 1, listItem["ok"])
}

func TestSanitizeMetadataSubstringMatchIsCaseInsensitive(t *testing.T) {
	out := SanitizeMetadata(map[string]any{
		"MY_SECRET_VALUE": "v",
		"userPassword":    "p",
		"secretary":       "also redacted by substring match",
	})

	assert.Equal(t, RedactedValue, out["MY_SECRET_VALUE"])
	assert.Equal(t, RedactedValue, out["userPassword"])
	assert.Equal(t, RedactedValue, out["secretary"])
}

func TestSanitizeMetadataNil(t *testing.T) {
	assert.Nil(t, SanitizeMetadata(nil))
}
