package multiplex

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []struct {
		method string
		params any
	}
	respond func(method string, params any) (json.RawMessage, error)
}

func (f *fakeDispatcher) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, struct {
		method string
		params any
	}{method, params})
	f.mu.Unlock()
	return f.respond(method, params)
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func echoBatchResponder(method string, params any) (json.RawMessage, error) {
	entry := params.(wire.BatchRequestEntry)
	results := make([]wire.BatchResultEntry, len(entry.Requests))
	for i, r := range entry.Requests {
		raw, _ := json.Marshal(r)
		results[i] = wire.BatchResultEntry{Success: true, Result: raw}
	}
	raw, _ := json.Marshal(wire.BatchResult{Results: results})
	return raw, nil
}

func TestDispatchBatchesConcurrentCallsForSameModel(t *testing.T) {
	fd := &fakeDispatcher{respond: echoBatchResponder}
	m := New(Config{
		MinHoldMs:    20 * time.Millisecond,
		MaxHoldMs:    200 * time.Millisecond,
		MinBatchSize: 2,
		MaxBatchSize: 8,
		Dispatcher:   fd,
	})
	defer m.Close()

	var wg sync.WaitGroup
	results := make([]json.RawMessage, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := m.Dispatch(context.Background(), "tokenize", "modelA", map[string]any{"i": i}, PriorityNormal, 0)
			require.NoError(t, err)
			results[i] = raw
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fd.callCount())
	assert.Equal(t, wire.BatchMethod("tokenize"), fd.calls[0].method)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.DispatchedBatches)
	assert.Equal(t, uint64(3), stats.BatchedRequests)
}

func TestDispatchHighPriorityBypassesBatching(t *testing.T) {
	fd := &fakeDispatcher{respond: func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}}
	m := New(Config{Dispatcher: fd})
	defer m.Close()

	raw, err := m.Dispatch(context.Background(), "tokenize", "modelA", map[string]any{}, PriorityHigh, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, "tokenize", fd.calls[0].method)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.SoloRequests)
}

func TestDispatchShortTimeoutBypassesBatching(t *testing.T) {
	fd := &fakeDispatcher{respond: func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	m := New(Config{MinHoldMs: 50 * time.Millisecond, Dispatcher: fd})
	defer m.Close()

	_, err := m.Dispatch(context.Background(), "tokenize", "modelA", map[string]any{}, PriorityNormal, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Stats().SoloRequests)
}

func TestDispatchPropagatesChildError(t *testing.T) {
	fd := &fakeDispatcher{respond: func(method string, params any) (json.RawMessage, error) {
		entry := params.(wire.BatchRequestEntry)
		results := make([]wire.BatchResultEntry, len(entry.Requests))
		for i := range entry.Requests {
			results[i] = wire.BatchResultEntry{Success: false, Error: &wire.Error{Code: 500, Message: "bad"}}
		}
		raw, _ := json.Marshal(wire.BatchResult{Results: results})
		return raw, nil
	}}
	m := New(Config{MinHoldMs: 5 * time.Millisecond, MinBatchSize: 1, Dispatcher: fd})
	defer m.Close()

	_, err := m.Dispatch(context.Background(), "tokenize", "modelA", map[string]any{}, PriorityNormal, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestDispatchDifferentModelsGetSeparateGroups(t *testing.T) {
	fd := &fakeDispatcher{respond: echoBatchResponder}
	m := New(Config{MinHoldMs: 10 * time.Millisecond, MinBatchSize: 1, Dispatcher: fd})
	defer m.Close()

	_, err := m.Dispatch(context.Background(), "tokenize", "modelA", map[string]any{}, PriorityNormal, 0)
	require.NoError(t, err)
	_, err = m.Dispatch(context.Background(), "tokenize", "modelB", map[string]any{}, PriorityNormal, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, fd.callCount())
}
