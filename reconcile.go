package mlxdispatch

import (
	"context"
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/events"
	"github.com/joeycumines/go-mlxdispatch/internal/rpc"
	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// methodNotFoundCode is the JSON-RPC reserved code for an unrecognized
// method, used to tell "runtime/state not implemented by this runtime"
// apart from a genuine reconciliation failure.
const methodNotFoundCode = -32601

// reconcile runs the state-reconciliation procedure after a subprocess
// restart: it tears down the previous transport's dependents, invalidates
// every ready model handle, and - breaker permitting - asks the new child
// what it still thinks is loaded, so a stale claim on either side never
// lingers past one reconciliation pass. It lives here, not in internal/,
// because it needs direct access to handleArena without an import cycle.
func (e *Engine) reconcile(old, cur *bundle) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	defer close(cur.reconciled)

	report := ReconcileReport{Consistent: true, At: time.Now()}

	invalidated := e.arena.invalidateAll()
	for _, id := range invalidated {
		e.emitter.Emit(events.ModelInvalidated, id)
	}

	if old != nil {
		old.registry.Clear()
		if old.mux != nil {
			old.mux.Close()
		}
		old.correlator.Shutdown()
	}

	if err := e.breaker.Allow(); err != nil {
		e.log.Warn("reconcile: circuit open, skipping runtime/state probe", telemetry.F("error", err.Error()))
		report.Consistent = false
		report.Errors = append(report.Errors, err.Error())
		e.setLastReport(report)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ReconcileTimeoutMs)
	defer cancel()

	raw, err := cur.correlator.Request(ctx, wire.MethodRuntimeState, struct{}{}, e.opts.ReconcileTimeoutMs)
	if err != nil {
		// Older runtimes may not implement runtime/state at all; that is
		// not itself a reconciliation failure, so it does not trip the
		// breaker. Anything else (timeout, transport error) does.
		if rpcErr, ok := err.(*rpc.RPCError); !ok || rpcErr.Code != methodNotFoundCode {
			e.breaker.RecordFailure()
			report.Consistent = false
			report.Errors = append(report.Errors, err.Error())
			e.setLastReport(report)
			return
		}
		e.breaker.RecordSuccess()
		e.setLastReport(report)
		return
	}

	var state wire.RuntimeState
	if err := wire.DecodeResult(raw, &state); err != nil {
		e.breaker.RecordFailure()
		report.Consistent = false
		report.Errors = append(report.Errors, err.Error())
		e.setLastReport(report)
		return
	}
	e.breaker.RecordSuccess()

	// Every model the child still claims is orphaned: invalidateAll above
	// already cleared our side, so nothing we claim is missing from its
	// report - only the reverse direction is possible here.
	for _, m := range state.LoadedModels {
		if m.State != "ready" {
			continue
		}
		unloadCtx, unloadCancel := context.WithTimeout(context.Background(), e.opts.ReconcileTimeoutMs)
		_, unloadErr := cur.correlator.Request(unloadCtx, wire.MethodUnloadModel, wire.UnloadModelParams{ModelID: m.ModelID}, e.opts.ReconcileTimeoutMs)
		unloadCancel()
		if unloadErr != nil {
			e.log.Warn("reconcile: failed to unload orphaned model", telemetry.F("modelId", m.ModelID), telemetry.F("error", unloadErr.Error()))
			report.Consistent = false
			report.Errors = append(report.Errors, unloadErr.Error())
		}
	}

	e.setLastReport(report)
}

func (e *Engine) setLastReport(r ReconcileReport) {
	e.mu.Lock()
	e.lastReport = r
	e.mu.Unlock()
}
