package mlxdispatch

import (
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/breaker"
	"github.com/joeycumines/go-mlxdispatch/internal/events"
	"github.com/joeycumines/go-mlxdispatch/internal/governor"
	"github.com/joeycumines/go-mlxdispatch/internal/multiplex"
	"github.com/joeycumines/go-mlxdispatch/internal/rpc"
	"github.com/joeycumines/go-mlxdispatch/internal/supervisor"
	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/transport"
)

// TenantBudgetOptions mirrors governor.TenantBudget for the public surface,
// keyed by tenant id in EngineOptions.TenantBudgets (a "default" key matches
// any tenant without an explicit entry).
type TenantBudgetOptions struct {
	HardLimit  int
	BurstLimit int
	DecayMs    time.Duration
}

// PIDOptions parameterizes the governor's TTFT feedback loop.
type PIDOptions struct {
	Kp, Ki, Kd       float64
	SampleIntervalMs time.Duration
}

// EngineOptions is the single explicit configuration struct passed to New.
// There is no process-wide mutable state anywhere in the dispatcher: every
// component reads its configuration only from here.
type EngineOptions struct {
	// Transport / subprocess.
	PythonPath string   // child executable
	RuntimePath string  // child entry script, appended to Args if non-empty
	Args       []string // extra args to the child executable
	CacheDir   string   // artifact cache root; not read by the dispatcher itself

	// Limits.
	MaxPendingRequests int           // default 100
	MaxLineBufferBytes int           // default 64KB
	StreamTimeoutMs    time.Duration // default 300s
	StartupTimeoutMs   time.Duration // default 30s
	ShutdownTimeoutMs  time.Duration // default 5s
	ReconcileTimeoutMs time.Duration // default 10s, bounds runtime/state and orphan unload_model calls
	MaxRestarts        int           // default 3

	// Multiplexer.
	MinHoldMs    time.Duration
	MaxHoldMs    time.Duration
	MinBatchSize int
	MaxBatchSize int

	// Governor.
	GovernorEnabled       bool
	TargetTTFTMs          float64
	MinConcurrentStreams  int
	MaxConcurrentStreams  int
	PID                   PIDOptions
	TenantBudgets         map[string]TenantBudgetOptions
	StreamBackpressureMax int

	// Breaker.
	FailureThreshold         int
	RecoveryTimeoutMs        time.Duration
	HalfOpenMaxCalls         int
	HalfOpenSuccessThreshold int
	FailureWindowMs          time.Duration

	// Logger, nil-safe: a nop logger is used if absent.
	Logger telemetry.Logger

	// CacheStore backs GetCacheStats; see cache.go. May be nil, in which
	// case GetCacheStats reports a zero-value snapshot.
	CacheStore CacheStore

	// Launcher overrides how the child process's command/args are built,
	// for tests that don't want to spawn a real subprocess. Most callers
	// should leave this nil and use PythonPath/RuntimePath/Args.
	Launcher func(opts EngineOptions) (command string, args []string)
}

// Option is a functional option for constructor-time choices that aren't
// plain data, matching the way inprocgrpc.Option/microbatch.BatcherConfig
// apply theirs. Most configuration instead lives directly on EngineOptions.
type Option func(*EngineOptions)

// WithLauncher overrides subprocess command construction.
func WithLauncher(fn func(opts EngineOptions) (command string, args []string)) Option {
	return func(o *EngineOptions) { o.Launcher = fn }
}

// WithLogger attaches a structured logger.
func WithLogger(log telemetry.Logger) Option {
	return func(o *EngineOptions) { o.Logger = log }
}

// applyDefaults fills every zero-value field with its documented default.
func (o EngineOptions) applyDefaults() EngineOptions {
	if o.MaxPendingRequests <= 0 {
		o.MaxPendingRequests = rpc.DefaultMaxPendingRequests
	}
	if o.MaxLineBufferBytes <= 0 {
		o.MaxLineBufferBytes = transport.DefaultMaxLineBufferBytes
	}
	if o.StreamTimeoutMs <= 0 {
		o.StreamTimeoutMs = 300 * time.Second
	}
	if o.StartupTimeoutMs <= 0 {
		o.StartupTimeoutMs = supervisor.DefaultStartupTimeout
	}
	if o.ShutdownTimeoutMs <= 0 {
		o.ShutdownTimeoutMs = supervisor.DefaultShutdownTimeout
	}
	if o.ReconcileTimeoutMs <= 0 {
		o.ReconcileTimeoutMs = 10 * time.Second
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = supervisor.DefaultMaxRestarts
	}
	if o.MinHoldMs <= 0 {
		o.MinHoldMs = multiplex.DefaultMinHoldMs
	}
	if o.MaxHoldMs <= 0 {
		o.MaxHoldMs = multiplex.DefaultMaxHoldMs
	}
	if o.MinBatchSize <= 0 {
		o.MinBatchSize = multiplex.DefaultMinBatchSize
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = multiplex.DefaultMaxBatchSize
	}
	if o.MinConcurrentStreams <= 0 {
		o.MinConcurrentStreams = 1
	}
	if o.MaxConcurrentStreams <= 0 {
		o.MaxConcurrentStreams = 8
	}
	if o.TargetTTFTMs <= 0 {
		o.TargetTTFTMs = 200
	}
	if o.PID.SampleIntervalMs <= 0 {
		o.PID.SampleIntervalMs = time.Second
	}
	if o.StreamBackpressureMax <= 0 {
		o.StreamBackpressureMax = 64
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = breaker.DefaultFailureThreshold
	}
	if o.RecoveryTimeoutMs <= 0 {
		o.RecoveryTimeoutMs = breaker.DefaultCooldown
	}
	if o.HalfOpenMaxCalls <= 0 {
		o.HalfOpenMaxCalls = breaker.DefaultHalfOpenMaxCalls
	}
	if o.HalfOpenSuccessThreshold <= 0 {
		o.HalfOpenSuccessThreshold = breaker.DefaultHalfOpenSuccessMin
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop()
	}
	return o
}

func (o EngineOptions) governorConfig(emitter *events.Emitter) governor.Config {
	budgets := make(map[string]governor.TenantBudget, len(o.TenantBudgets))
	for k, v := range o.TenantBudgets {
		budgets[k] = governor.TenantBudget{HardLimit: v.HardLimit, BurstLimit: v.BurstLimit, DecayMs: v.DecayMs}
	}
	return governor.Config{
		Enabled:    o.GovernorEnabled,
		MinStreams: o.MinConcurrentStreams,
		MaxStreams: o.MaxConcurrentStreams,
		PID: governor.PIDConfig{
			Kp: o.PID.Kp, Ki: o.PID.Ki, Kd: o.PID.Kd,
			TargetTTFTMs:     o.TargetTTFTMs,
			SampleIntervalMs: o.PID.SampleIntervalMs,
		},
		TenantBudgets: budgets,
		Logger:        o.Logger,
		Emitter:       emitter,
	}
}

func (o EngineOptions) breakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:   o.FailureThreshold,
		Cooldown:           o.RecoveryTimeoutMs,
		HalfOpenMaxCalls:   o.HalfOpenMaxCalls,
		HalfOpenSuccessMin: o.HalfOpenSuccessThreshold,
		FailureWindow:      o.FailureWindowMs,
	}
}

func (o EngineOptions) launch() (string, []string) {
	if o.Launcher != nil {
		return o.Launcher(o)
	}
	args := append([]string(nil), o.Args...)
	if o.RuntimePath != "" {
		args = append(args, o.RuntimePath)
	}
	return o.PythonPath, args
}
