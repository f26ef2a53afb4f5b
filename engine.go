// Package mlxdispatch is the public surface of the inference-serving
// dispatcher. It wires the framed transport, RPC correlator, stream
// registry, subprocess supervisor, ops multiplexer, adaptive governor,
// circuit breaker, and reconciler (see internal/) behind
// load/unload/tokenize/generate/health operations, translating both
// camelCase and snake_case caller input to one internal shape at the
// boundary.
package mlxdispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/breaker"
	"github.com/joeycumines/go-mlxdispatch/internal/events"
	"github.com/joeycumines/go-mlxdispatch/internal/governor"
	"github.com/joeycumines/go-mlxdispatch/internal/multiplex"
	"github.com/joeycumines/go-mlxdispatch/internal/rpc"
	"github.com/joeycumines/go-mlxdispatch/internal/streamreg"
	"github.com/joeycumines/go-mlxdispatch/internal/supervisor"
	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/transport"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// bundle is the set of per-transport dependents that must be torn down and
// rebuilt together whenever the supervisor installs a new transport. One
// bundle corresponds to one child process lifetime.
type bundle struct {
	tr         *transport.Transport
	correlator *rpc.Correlator
	registry   *streamreg.Registry
	mux        *multiplex.Multiplexer
	info       wire.RuntimeInfo
	reconciled chan struct{} // closed once the reconcile pass for this bundle finishes
}

// ReconcileReport is the outcome of the most recent reconciliation pass,
// surfaced through HealthCheck.
type ReconcileReport struct {
	Consistent bool
	Errors     []string
	At         time.Time
}

// Engine is the dispatcher's facade. Construct with New.
type Engine struct {
	opts EngineOptions
	log  telemetry.Logger

	emitter  *events.Emitter
	governor *governor.Governor
	breaker  *breaker.Breaker
	arena    *handleArena
	cache    CacheStore

	sup *supervisor.Supervisor

	mu         sync.Mutex
	cur        *bundle
	shutDown   bool
	lastReport ReconcileReport
	sampleStop chan struct{}
	sampleWG   sync.WaitGroup

	reconcileMu sync.Mutex // serializes reconcile passes; only one may run at a time
}

// New constructs an Engine and starts its subprocess supervisor. It blocks
// until the child is ready or startup is exhausted.
func New(ctx context.Context, opts EngineOptions, extra ...Option) (*Engine, error) {
	for _, opt := range extra {
		opt(&opts)
	}
	opts = opts.applyDefaults()

	e := &Engine{
		opts:    opts,
		log:     opts.Logger,
		emitter: events.New(opts.Logger),
		arena:   newHandleArena(),
		cache:   opts.CacheStore,
	}
	e.breaker = breaker.New(opts.breakerConfig())
	e.governor = governor.New(opts.governorConfig(e.emitter))

	command, args := opts.launch()
	e.sup = supervisor.New(supervisor.Config{
		Command:            command,
		Args:               args,
		StartupTimeout:     opts.StartupTimeoutMs,
		ShutdownTimeout:    opts.ShutdownTimeoutMs,
		MaxRestarts:        opts.MaxRestarts,
		RestartDelayBase:   supervisor.DefaultRestartDelayBase,
		MaxLineBufferBytes: opts.MaxLineBufferBytes,
		Logger:             opts.Logger,
		OnTransport:        e.onTransport,
		OnExit:             e.onExit,
		OnStatusChange:     func(st supervisor.Status) { e.emitter.Emit(events.RuntimeStatus, st.String()) },
	})

	if err := e.sup.Start(ctx); err != nil {
		return nil, errRuntime(err, "subprocess failed to start")
	}

	e.sampleStop = make(chan struct{})
	e.sampleWG.Add(1)
	go e.runPIDSampler()

	return e, nil
}

// onTransport is invoked synchronously by the supervisor once a freshly
// spawned (or restarted) child has answered its startup probe. It builds
// the new bundle of per-transport dependents, swaps it in, and kicks off
// reconciliation asynchronously so the handler can be installed without
// delay.
func (e *Engine) onTransport(tr *transport.Transport, info wire.RuntimeInfo) func(wire.Message) {
	correlator := rpc.New(tr, e.opts.MaxPendingRequests, e.log)

	nb := &bundle{
		tr:         tr,
		correlator: correlator,
		info:       info,
		reconciled: make(chan struct{}),
	}
	nb.registry = streamreg.New(streamreg.Config{
		Sender:          tr,
		Emitter:         e.emitter,
		Logger:          e.log,
		Capacity:        e.governor.Cap,
		BackpressureMax: e.opts.StreamBackpressureMax,
		DefaultTimeout:  e.opts.StreamTimeoutMs,
	})
	if info.HasCapability(wire.CapabilityBatchTokenize) || info.HasCapability(wire.CapabilityBatchCheckDraft) {
		nb.mux = multiplex.New(multiplex.Config{
			MinHoldMs:    e.opts.MinHoldMs,
			MaxHoldMs:    e.opts.MaxHoldMs,
			MinBatchSize: e.opts.MinBatchSize,
			MaxBatchSize: e.opts.MaxBatchSize,
			Dispatcher:   correlator,
			Logger:       e.log,
		})
	}

	e.mu.Lock()
	old := e.cur
	e.cur = nb
	e.mu.Unlock()

	go e.reconcile(old, nb)

	return func(msg wire.Message) { e.route(nb, msg) }
}

func (e *Engine) onExit(err error) {
	e.log.Warn("engine: subprocess exited unexpectedly", telemetry.F("error", err.Error()))
}

// route dispatches one decoded wire message to the correlator (responses)
// or the stream registry (notifications), per its classified kind.
func (e *Engine) route(b *bundle, msg wire.Message) {
	switch msg.Classify() {
	case wire.KindResponse:
		b.correlator.HandleResponse(msg)
	case wire.KindNotification:
		switch msg.Method {
		case wire.NotifyStreamChunk:
			var chunk wire.StreamChunk
			if err := wire.DecodeParams(msg.Params, &chunk); err == nil {
				b.registry.HandleChunk(chunk)
			}
		case wire.NotifyStreamStats:
			var stats wire.StreamStats
			if err := wire.DecodeParams(msg.Params, &stats); err == nil {
				b.registry.HandleStats(stats)
			}
		case wire.NotifyStreamEvent:
			var ev wire.StreamEvent
			if err := wire.DecodeParams(msg.Params, &ev); err == nil {
				b.registry.HandleEvent(ev)
			}
		default:
			e.log.Warn("engine: unknown notification method", telemetry.F("method", msg.Method))
		}
	default:
		e.log.Warn("engine: dropping malformed message", telemetry.F("method", msg.Method))
	}
}

// currentBundle returns the active bundle, awaiting its reconciliation pass
// first so every caller observes a consistent view after a transport swap.
func (e *Engine) currentBundle(ctx context.Context) (*bundle, error) {
	e.mu.Lock()
	if e.shutDown {
		e.mu.Unlock()
		return nil, errCancelled("engine is shut down")
	}
	b := e.cur
	e.mu.Unlock()

	if b == nil {
		return nil, errRuntime(nil, "subprocess not ready")
	}
	select {
	case <-b.reconciled:
		return b, nil
	case <-ctx.Done():
		return nil, errTimeout("context done while awaiting reconciliation")
	}
}

// batchDispatch sends one request through the multiplexer's batch groups
// when the runtime is batch-capable, otherwise solo through the correlator.
func (b *bundle) batchDispatch(ctx context.Context, method, modelID string, params any, priority multiplex.Priority, timeout time.Duration) ([]byte, error) {
	if b.mux != nil {
		return b.mux.Dispatch(ctx, method, modelID, params, priority, timeout)
	}
	raw, err := b.correlator.Request(ctx, method, params, timeout)
	return raw, err
}

// commonRPCErr maps the transport/correlator-level sentinel errors (and a
// cancelled/expired context) that apply identically to every RPC, leaving
// domain-specific failures (a child-reported error, a decode failure) for
// the caller to classify. ok is false when err doesn't fall into one of
// these generic buckets.
func commonRPCErr(method string, err error) (*EngineError, bool) {
	switch {
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errTimeout("%s timed out", method), true
	case errors.Is(err, rpc.ErrCancelled), errors.Is(err, context.Canceled):
		return errCancelled("%s cancelled", method), true
	case errors.Is(err, rpc.ErrBackpressure):
		return errBackpressure(0, "%s rejected: too many pending requests", method), true
	}
	return nil, false
}

// translateRPCErr maps any RPC failure to the generic runtime_error code,
// for call sites with no more specific taxonomy entry of their own.
func translateRPCErr(method string, err error) error {
	if err == nil {
		return nil
	}
	if mapped, ok := commonRPCErr(method, err); ok {
		return mapped
	}
	if rpcErr, ok := err.(*rpc.RPCError); ok {
		return errRuntime(rpcErr, "child reported error for %s", method)
	}
	return errRuntime(err, "%s failed", method)
}

// Shutdown gracefully stops the subprocess, cancels every pending RPC and
// active stream, and is idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutDown {
		e.mu.Unlock()
		return nil
	}
	e.shutDown = true
	cur := e.cur
	e.mu.Unlock()

	if e.sampleStop != nil {
		close(e.sampleStop)
		e.sampleWG.Wait()
	}

	if cur != nil {
		cur.registry.Clear()
		if cur.mux != nil {
			cur.mux.Close()
		}
		cur.correlator.Shutdown()
	}

	if err := e.sup.Stop(ctx); err != nil {
		e.log.Warn("engine: shutdown error", telemetry.F("error", err.Error()))
	}
	return nil
}

// runPIDSampler feeds the governor one averaged TTFT sample per
// SampleIntervalMs, draining the stream registry's buffered measurements.
func (e *Engine) runPIDSampler() {
	defer e.sampleWG.Done()
	interval := e.opts.PID.SampleIntervalMs
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sampleStop:
			return
		case <-ticker.C:
			e.mu.Lock()
			b := e.cur
			e.mu.Unlock()
			if b == nil {
				continue
			}
			samples := b.registry.DrainTTFTSamples()
			if len(samples) == 0 {
				continue
			}
			var sum float64
			for _, s := range samples {
				sum += s
			}
			e.governor.Sample(sum / float64(len(samples)))
		}
	}
}

// --- Governor manual override surface ---

func (e *Engine) AdjustLimits(delta int, min, max *int) { e.governor.AdjustLimits(delta, min, max) }
func (e *Engine) EnterSafeMode(reason string)           { e.governor.EnterSafeMode(reason) }
func (e *Engine) ExitSafeMode()                         { e.governor.ExitSafeMode() }

// ListModels returns a snapshot of every known model handle.
func (e *Engine) ListModels() []ModelHandle { return e.arena.list() }

// GetCacheStats reports the artifact cache's aggregate counters, or a
// zero-value snapshot if no CacheStore was configured.
func (e *Engine) GetCacheStats() (CacheStats, error) {
	if e.cache == nil {
		return CacheStats{}, nil
	}
	return e.cache.Stats()
}

// HealthStatus is the result of HealthCheck.
type HealthStatus struct {
	Status          string
	Uptime          time.Duration
	ActiveStreams   int
	LoadedModels    int
	Runtime         wire.RuntimeInfo
	StateConsistent bool
	StateErrors     []string
}

// HealthCheck never returns an error: failures are reflected in the
// returned status.
func (e *Engine) HealthCheck() HealthStatus {
	info := e.sup.Info()
	status := HealthStatus{Status: info.Status.String(), Uptime: info.Uptime}

	e.mu.Lock()
	b := e.cur
	report := e.lastReport
	e.mu.Unlock()

	if b != nil {
		select {
		case <-b.reconciled:
			status.ActiveStreams = b.registry.Active()
			status.Runtime = b.info
		default:
		}
	}
	status.LoadedModels = len(e.arena.readyModelIDs())
	status.StateConsistent = report.Consistent
	status.StateErrors = report.Errors
	return status
}
