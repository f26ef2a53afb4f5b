package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

type fakeSender struct {
	sent []wire.Message
	fail error
}

func (f *fakeSender) Send(m wire.Message) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, m)
	return nil
}

func TestRequestResolvesOnMatchingResponse(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 0, nil)

	resCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := c.Request(context.Background(), "tokenize", map[string]any{"text": "hi"}, 0)
		resCh <- r
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(sender.sent) == 1 }, time.Second, time.Millisecond)
	id := *sender.sent[0].ID
	c.HandleResponse(wire.Message{ID: &id, Result: json.RawMessage(`{"ok":true}`)})

	require.NoError(t, <-errCh)
	assert.JSONEq(t, `{"ok":true}`, string(<-resCh))
}

func TestRequestRejectsOnRPCError(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 0, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "tokenize", nil, 0)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(sender.sent) == 1 }, time.Second, time.Millisecond)
	id := *sender.sent[0].ID
	c.HandleResponse(wire.Message{ID: &id, Error: &wire.Error{Code: -32601, Message: "no such method"}})

	err := <-errCh
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestRequestTimesOut(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 0, nil)

	_, err := c.Request(context.Background(), "tokenize", nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRequestBackpressure(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 1, nil)

	// Hold one slot open by never responding, with no timeout.
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = c.Request(context.Background(), "tokenize", nil, 0)
	}()
	<-started
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := c.Request(context.Background(), "tokenize", nil, 0)
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestRequestContextCancel(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "tokenize", nil, 0)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestShutdownRejectsPendingAndFuture(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 0, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "tokenize", nil, 0)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)

	c.Shutdown()
	assert.ErrorIs(t, <-errCh, ErrCancelled)

	_, err := c.Request(context.Background(), "tokenize", nil, 0)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestHandleResponseIgnoresUnmatchedID(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, 0, nil)
	id := uint64(999)
	c.HandleResponse(wire.Message{ID: &id, Result: json.RawMessage(`{}`)})
	assert.Equal(t, 0, c.Pending())
}
