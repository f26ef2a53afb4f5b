package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageClassify(t *testing.T) {
	id := uint64(1)
	cases := []struct {
		name string
		msg  Message
		want Kind
	}{
		{"request", Message{ID: &id, Method: "load_model"}, KindRequest},
		{"response", Message{ID: &id, Result: json.RawMessage(`{}`)}, KindResponse},
		{"notification", Message{Method: "stream_chunk"}, KindNotification},
		{"invalid", Message{}, KindInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.msg.Classify())
		})
	}
}

func TestNewRequestRoundtrip(t *testing.T) {
	msg, err := NewRequest(7, "tokenize", TokenizeParams{ModelID: "m1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, Version, msg.JSONRPC)
	require.NotNil(t, msg.ID)
	assert.Equal(t, uint64(7), *msg.ID)
	assert.Equal(t, "tokenize", msg.Method)

	var params TokenizeParams
	require.NoError(t, DecodeParams(msg.Params, &params))
	assert.Equal(t, "m1", params.ModelID)
	assert.Equal(t, "hi", params.Text)
}

func TestNewNotificationHasNoID(t *testing.T) {
	msg, err := NewNotification(NotifyStreamChunk, StreamChunk{StreamID: "s1", Token: "x"})
	require.NoError(t, err)
	assert.Nil(t, msg.ID)
	assert.Equal(t, KindNotification, msg.Classify())
}

func TestDecodeResultEmptyLeavesOutUntouched(t *testing.T) {
	out := TokenizeResult{Tokens: []int{1, 2}}
	require.NoError(t, DecodeResult(nil, &out))
	assert.Equal(t, []int{1, 2}, out.Tokens)
}

func TestDecodeResultInvalidJSON(t *testing.T) {
	var out TokenizeResult
	err := DecodeResult(json.RawMessage(`not json`), &out)
	assert.Error(t, err)
}

func TestErrorStringAndNilSafety(t *testing.T) {
	var nilErr *Error
	assert.Equal(t, "", nilErr.Error())

	e := &Error{Code: -32601, Message: "method not found"}
	assert.Contains(t, e.Error(), "-32601")
	assert.Contains(t, e.Error(), "method not found")
}
