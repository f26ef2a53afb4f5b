// Package multiplex implements the ops multiplexer: grouping same-method,
// same-model requests into one batch_<method> round
// trip to the child, while high-priority or short-timeout callers bypass
// batching entirely. It is built on github.com/joeycumines/go-microbatch's
// generic Batcher, the same grouping primitive the teacher pack uses for
// reducing round trips.
package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"

	"github.com/joeycumines/go-mlxdispatch/internal/rpc"
	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// Priority selects whether a request is eligible for batching.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Defaults for multiplexer hold windows and batch sizes.
const (
	DefaultMinHoldMs    = 2 * time.Millisecond
	DefaultMaxHoldMs    = 20 * time.Millisecond
	DefaultMinBatchSize = 2
	DefaultMaxBatchSize = 32
)

// Dispatcher is the correlator capability the multiplexer composes batch_
// and solo requests through. *rpc.Correlator satisfies this directly.
type Dispatcher interface {
	Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Config configures a Multiplexer. Dispatcher is required.
type Config struct {
	MinHoldMs time.Duration
	MaxHoldMs time.Duration
	// MinBatchSize is the lower bound a group must reach before MinHoldMs
	// elapsing is allowed to flush it; below that size the group keeps
	// accumulating until the MaxHoldMs hard deadline instead.
	MinBatchSize int
	MaxBatchSize int
	Dispatcher   Dispatcher
	Logger       telemetry.Logger
}

// Stats are cumulative counters exposed for diagnostics/health checks.
type Stats struct {
	DispatchedBatches uint64
	BatchedRequests   uint64
	SoloRequests      uint64
}

// job is the microbatch unit of work: one logical child RPC call whose
// params and eventual outcome are threaded through a *job pointer, per
// microbatch's "results by reference" contract.
type job struct {
	params any
	result wire.BatchResultEntry
	err    error
}

type groupKey struct {
	Method  string
	ModelID string
}

// group owns exactly one microbatch.Batcher for a (method, modelId) pair.
// microbatch's own FlushInterval is disabled here (flush-on-MaxSize only);
// minHold and deadline implement the spec's two hold windows by hand, since
// a flush at minHoldMs must additionally check the group has reached
// MinBatchSize, something microbatch's single FlushInterval can't express.
type group struct {
	mx  *Multiplexer
	key groupKey

	count          int32 // atomic: jobs submitted since this group was created
	minHoldElapsed int32 // atomic: 1 once the minHoldMs timer has fired

	batcher  *microbatch.Batcher[*job]
	deadline *time.Timer // hard MaxHoldMs backstop, flushes regardless of size
	minHold  *time.Timer // soft MinHoldMs check, flushes once size >= MinBatchSize
}

// Multiplexer groups generate/tokenize/check_draft calls bound for the same
// method and model into batch_<method> round trips.
type Multiplexer struct {
	cfg Config
	log telemetry.Logger

	mu     sync.Mutex
	groups map[groupKey]*group

	dispatched uint64
	batched    uint64
	solo       uint64
}

// New builds a Multiplexer. cfg.Dispatcher must be non-nil.
func New(cfg Config) *Multiplexer {
	if cfg.MinHoldMs <= 0 {
		cfg.MinHoldMs = DefaultMinHoldMs
	}
	if cfg.MaxHoldMs <= 0 {
		cfg.MaxHoldMs = DefaultMaxHoldMs
	}
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = DefaultMinBatchSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}
	return &Multiplexer{
		cfg:    cfg,
		log:    cfg.Logger,
		groups: make(map[groupKey]*group),
	}
}

// Dispatch routes one request for method/modelID. priority == PriorityHigh,
// or a timeout shorter than MinHoldMs, bypasses batching and dispatches
// solo. Otherwise the request joins the (method, modelID) batch group,
// flushed at MaxBatchSize, once MinHoldMs has elapsed since the group's
// first job and the group holds at least MinBatchSize jobs, or at the
// MaxHoldMs hard deadline regardless of size.
func (m *Multiplexer) Dispatch(ctx context.Context, method, modelID string, params any, priority Priority, timeout time.Duration) (json.RawMessage, error) {
	if priority == PriorityHigh || (timeout > 0 && timeout < m.cfg.MinHoldMs) {
		atomic.AddUint64(&m.solo, 1)
		return m.cfg.Dispatcher.Request(ctx, method, params, timeout)
	}

	g := m.groupFor(method, modelID)
	j := &job{params: params}
	jr, err := g.submit(ctx, j)
	if err != nil {
		// The group's batcher may have just been torn down by a concurrent
		// flush (size, min-hold, or max-hold); one retry against the
		// (possibly new) group covers that race without looping indefinitely.
		if errors.Is(err, context.Canceled) {
			g = m.groupFor(method, modelID)
			jr, err = g.submit(ctx, j)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := jr.Wait(ctx); err != nil {
		return nil, err
	}
	atomic.AddUint64(&m.batched, 1)

	out := jr.Job
	if out.err != nil {
		return nil, out.err
	}
	if !out.result.Success {
		if out.result.Error != nil {
			return nil, &rpc.RPCError{Code: out.result.Error.Code, Message: out.result.Error.Message, Details: out.result.Error.Data}
		}
		return nil, errors.New("multiplex: batched call failed without an error detail")
	}
	return out.result.Result, nil
}

func (m *Multiplexer) groupFor(method, modelID string) *group {
	key := groupKey{Method: method, ModelID: modelID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[key]; ok {
		return g
	}
	g := m.newGroup(key)
	m.groups[key] = g
	return g
}

func (m *Multiplexer) newGroup(key groupKey) *group {
	g := &group{mx: m, key: key}
	g.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize: m.cfg.MaxBatchSize,
		// Disabled (any negative value): size-gated flush at MinHoldMs is
		// driven by g.minHold instead, so an under-size group isn't flushed
		// just because the interval elapsed.
		FlushInterval: -1,
	}, g.process)
	g.deadline = time.AfterFunc(m.cfg.MaxHoldMs, func() { m.teardown(g, false) })
	g.minHold = time.AfterFunc(m.cfg.MinHoldMs, func() { m.tryMinHoldFlush(g) })
	return g
}

// tryMinHoldFlush implements spec flush condition (c): minHoldMs has
// elapsed AND size >= MinBatchSize. Below that size the group keeps
// accumulating; teardown via the MaxHoldMs backstop will pick it up
// regardless of size once the hard deadline fires.
func (m *Multiplexer) tryMinHoldFlush(g *group) {
	atomic.StoreInt32(&g.minHoldElapsed, 1)
	if atomic.LoadInt32(&g.count) < int32(m.cfg.MinBatchSize) {
		return
	}
	m.teardown(g, false)
}

// teardown detaches g from the group map, so the next Dispatch call for its
// key starts a fresh group, then shuts its batcher down, forcing whatever
// batch is pending to flush immediately. A group is single-use: once any
// flush happens, for any reason, it is retired rather than reused, so the
// deadline/min-hold timers never have to be rearmed for a second batch.
//
// A no-op if g has already been torn down by a concurrent deadline,
// min-hold, or MaxSize-triggered flush.
//
// async must be true when called from inside the batcher's own
// BatchProcessor goroutine (process, below): microbatch's Shutdown blocks
// until the in-flight batch finishes, and calling it synchronously from
// within that very batch's processor would deadlock. The deadline and
// min-hold timers, and submit's immediate-flush path, run on other
// goroutines and call it synchronously.
func (m *Multiplexer) teardown(g *group, async bool) {
	m.mu.Lock()
	if m.groups[g.key] != g {
		m.mu.Unlock()
		return
	}
	delete(m.groups, g.key)
	m.mu.Unlock()

	g.deadline.Stop()
	g.minHold.Stop()
	if async {
		go func() { _ = g.batcher.Shutdown(context.Background()) }()
	} else {
		_ = g.batcher.Shutdown(context.Background())
	}
}

// submit hands j to the group's batcher and tracks the group's size. If
// MinHoldMs has already elapsed and this submission brings the group up to
// MinBatchSize, the flush condition is satisfied right now rather than at
// some future tick, so it flushes immediately instead of waiting for
// MaxHoldMs.
func (g *group) submit(ctx context.Context, j *job) (*microbatch.JobResult[*job], error) {
	jr, err := g.batcher.Submit(ctx, j)
	if err != nil {
		return nil, err
	}
	count := atomic.AddInt32(&g.count, 1)
	if atomic.LoadInt32(&g.minHoldElapsed) == 1 && count >= int32(g.mx.cfg.MinBatchSize) {
		g.mx.teardown(g, false)
	}
	return jr, nil
}

// process is the BatchProcessor for one group: it composes a single
// batch_<method> call and assigns each entry's outcome back onto the job
// that produced it, in request order, so batched dispatch preserves
// per-entry ordering. May run because MaxSize was reached internally by
// microbatch (group still registered) or because teardown forced the
// batcher's last partial batch through (group already unregistered); either
// way it retires the group so it is never reused for a second batch.
func (g *group) process(ctx context.Context, jobs []*job) error {
	g.mx.teardown(g, true)

	reqs := make([]any, len(jobs))
	for i, j := range jobs {
		reqs[i] = j.params
	}

	raw, err := g.mx.cfg.Dispatcher.Request(ctx, wire.BatchMethod(g.key.Method), wire.BatchRequestEntry{Requests: reqs}, g.mx.cfg.MaxHoldMs)
	atomic.AddUint64(&g.mx.dispatched, 1)
	if err != nil {
		for _, j := range jobs {
			j.err = err
		}
		return err
	}

	var result wire.BatchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		for _, j := range jobs {
			j.err = err
		}
		return err
	}
	for i, j := range jobs {
		if i < len(result.Results) {
			j.result = result.Results[i]
		} else {
			j.err = errors.New("multiplex: batch response shorter than request")
		}
	}
	return nil
}

// Stats returns a point-in-time snapshot of cumulative dispatch counters.
func (m *Multiplexer) Stats() Stats {
	return Stats{
		DispatchedBatches: atomic.LoadUint64(&m.dispatched),
		BatchedRequests:   atomic.LoadUint64(&m.batched),
		SoloRequests:      atomic.LoadUint64(&m.solo),
	}
}

// Close shuts down every open group's batcher, forcing a final flush.
// Used when the reconciler tears down per-transport helpers.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	groups := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.groups = make(map[groupKey]*group)
	m.mu.Unlock()

	for _, g := range groups {
		g.deadline.Stop()
		g.minHold.Stop()
		_ = g.batcher.Shutdown(context.Background())
	}
}
