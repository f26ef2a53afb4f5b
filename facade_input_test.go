package mlxdispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadModelInputFromMapAcceptsCamelCase(t *testing.T) {
	in, err := LoadModelInputFromMap(map[string]any{
		"modelId":  "m1",
		"revision": "main",
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", in.ModelID)
	assert.Equal(t, "main", in.Revision)
}

func TestLoadModelInputFromMapAcceptsSnakeCase(t *testing.T) {
	in, err := LoadModelInputFromMap(map[string]any{
		"model_id":  "m1",
		"local_path": "/tmp/m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", in.ModelID)
	assert.Equal(t, "/tmp/m1", in.LocalPath)
}

func TestTokenizeInputFromMapAcceptsSnakeCase(t *testing.T) {
	in, err := TokenizeInputFromMap(map[string]any{
		"model_id": "m1",
		"text":     "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", in.ModelID)
	assert.Equal(t, "hello", in.Text)
}

func TestDecodeInputRejectsInvalidShape(t *testing.T) {
	_, err := LoadModelInputFromMap(map[string]any{
		"modelId": 123, // wrong type, should be a string
	})
	require.Error(t, err)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, CodeValidation, engErr.Code)
}
