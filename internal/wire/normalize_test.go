package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKeysAcceptsSnakeAndCamel(t *testing.T) {
	in := map[string]any{
		"model_id":   "m1",
		"max_tokens": 32,
		"topP":       0.9,
		"unknown":    "kept",
	}
	out := NormalizeKeys(in)
	assert.Equal(t, "m1", out["modelId"])
	assert.Equal(t, 32, out["maxTokens"])
	assert.Equal(t, 0.9, out["topP"])
	assert.Equal(t, "kept", out["unknown"])
	_, hasSnake := out["model_id"]
	assert.False(t, hasSnake)
}

func TestNormalizeKeysIsInvolution(t *testing.T) {
	in := map[string]any{
		"model_id":      "m1",
		"stream_id":     "s1",
		"tenant_id":     "t1",
		"stop_sequences": []string{"a"},
		"local_path":    "/tmp",
		"add_bos":       true,
	}
	once := NormalizeKeys(in)
	twice := NormalizeKeys(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeKeysMultipleAliasesForSameCanonical(t *testing.T) {
	viaModel := NormalizeKeys(map[string]any{"model": "m1"})
	viaModelID := NormalizeKeys(map[string]any{"model_id": "m1"})
	assert.Equal(t, viaModel["modelId"], viaModelID["modelId"])
}
