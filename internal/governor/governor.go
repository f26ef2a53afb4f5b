// Package governor implements the adaptive admission governor: a PID
// controller on measured time-to-first-token that adjusts the
// active-stream cap, layered with per-tenant hard and burst/decay budgets.
// Tenant burst windows are sliding windows built on
// github.com/joeycumines/go-catrate's Limiter, the same primitive the
// teacher pack uses for multi-duration rate limiting.
package governor

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/go-mlxdispatch/internal/events"
	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
)

// Action is the outcome of Evaluate.
type Action string

const (
	ActionAdmit    Action = "admit"
	ActionQueue    Action = "queue"
	ActionReject   Action = "reject"
	ActionSafeMode Action = "safe-mode"
)

// Decision is the result of one admission evaluation.
type Decision struct {
	Action Action
	Reason string
}

// TenantBudget bounds one tenant's concurrent usage and burst rate.
type TenantBudget struct {
	HardLimit  int
	BurstLimit int
	DecayMs    time.Duration
}

// PIDConfig parameterizes the TTFT feedback loop.
type PIDConfig struct {
	Kp, Ki, Kd       float64
	TargetTTFTMs     float64
	SampleIntervalMs time.Duration
	IntegralMax      float64
}

// Config configures a Governor.
type Config struct {
	Enabled          bool
	MinStreams       int
	MaxStreams       int
	PID              PIDConfig
	TenantBudgets    map[string]TenantBudget // "default" matches any tenant without an explicit entry
	Emitter          *events.Emitter
	Logger           telemetry.Logger
}

type tenantState struct {
	budget  TenantBudget
	limiter *catrate.Limiter
	usage   int
}

// Governor owns the adaptive concurrency cap and tenant admission policy.
type Governor struct {
	cfg     Config
	log     telemetry.Logger
	emitter *events.Emitter

	mu           sync.Mutex
	enabled      bool
	safeMode     bool
	currentLimit int
	minStreams   int
	maxStreams   int

	// PID state
	integral    float64
	prevError   float64
	haveSample  bool

	tenants map[string]*tenantState
}

// New builds a Governor. Capacity starts at MaxStreams.
func New(cfg Config) *Governor {
	if cfg.MinStreams <= 0 {
		cfg.MinStreams = 1
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 8
	}
	if cfg.MaxStreams < cfg.MinStreams {
		cfg.MaxStreams = cfg.MinStreams
	}
	if cfg.PID.IntegralMax <= 0 {
		cfg.PID.IntegralMax = 1000
	}
	if cfg.PID.SampleIntervalMs <= 0 {
		cfg.PID.SampleIntervalMs = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}
	return &Governor{
		cfg:          cfg,
		log:          cfg.Logger,
		emitter:      cfg.Emitter,
		enabled:      cfg.Enabled,
		minStreams:   cfg.MinStreams,
		maxStreams:   cfg.MaxStreams,
		currentLimit: cfg.MaxStreams,
		tenants:      make(map[string]*tenantState),
	}
}

// Cap returns the current active-stream cap. Satisfies
// streamreg.CapacityProvider.
func (g *Governor) Cap() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentLimit
}

// Sample feeds one TTFT measurement (milliseconds) through the PID
// controller and recomputes the cap. Call once per SampleIntervalMs from
// the caller's timer loop.
func (g *Governor) Sample(measuredTTFTMs float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled || g.safeMode {
		return
	}

	dt := g.cfg.PID.SampleIntervalMs.Seconds()
	if dt <= 0 {
		dt = 1
	}

	errK := measuredTTFTMs - g.cfg.PID.TargetTTFTMs
	integral := clampF(g.integral+errK*dt, -g.cfg.PID.IntegralMax, g.cfg.PID.IntegralMax)
	var derivative float64
	if g.haveSample {
		derivative = (errK - g.prevError) / dt
	}
	output := g.cfg.PID.Kp*errK + g.cfg.PID.Ki*integral + g.cfg.PID.Kd*derivative

	if math.IsNaN(output) || math.IsInf(output, 0) {
		g.integral = 0
		g.prevError = 0
		g.haveSample = false
		g.currentLimit = g.maxStreams
		g.log.Warn("governor: non-finite pid output, resetting", telemetry.F("output", output))
		g.emit(events.PIDUnstable, nil)
		return
	}

	g.integral = integral
	g.prevError = errK
	g.haveSample = true

	next := g.currentLimit - int(math.Round(output))
	g.currentLimit = clampI(next, g.minStreams, g.maxStreams)
}

// Evaluate runs the admission decision for one stream registration on
// tenantId, with activeStreams the registry's current active count.
func (g *Governor) Evaluate(tenantId string, activeStreams int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled {
		return Decision{Action: ActionAdmit, Reason: "governor_disabled"}
	}
	if g.safeMode {
		return Decision{Action: ActionSafeMode, Reason: "safe_mode"}
	}

	ts := g.tenantFor(tenantId)
	if ts != nil {
		if ts.usage >= ts.budget.HardLimit {
			g.emit(events.TenantRejected, tenantId)
			return Decision{Action: ActionReject, Reason: reasonN("hard_limit", ts.budget.HardLimit)}
		}
		if ts.limiter != nil {
			if _, ok := ts.limiter.Allow(tenantId); !ok {
				g.emit(events.TenantRejected, tenantId)
				return Decision{Action: ActionReject, Reason: reasonN("burst_limit", ts.budget.BurstLimit)}
			}
		}
	}

	if activeStreams >= g.currentLimit {
		return Decision{Action: ActionQueue, Reason: reasonN("at_capacity", g.currentLimit)}
	}

	if ts != nil {
		ts.usage++
	}
	g.emit(events.Admission, tenantId)
	return Decision{Action: ActionAdmit, Reason: "admitted"}
}

// ReleaseTenant decrements tenantId's usage on stream termination.
func (g *Governor) ReleaseTenant(tenantId string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts, ok := g.tenants[tenantId]; ok && ts.usage > 0 {
		ts.usage--
	}
}

// EnterSafeMode pins the cap at max, resets the PID controller, and emits
// safeModeEntered.
func (g *Governor) EnterSafeMode(reason string) {
	g.mu.Lock()
	g.safeMode = true
	g.currentLimit = g.maxStreams
	g.integral = 0
	g.prevError = 0
	g.haveSample = false
	g.mu.Unlock()
	g.log.Warn("governor: entering safe mode", telemetry.F("reason", reason))
	g.emit(events.SafeModeEntered, reason)
}

// ExitSafeMode re-enables adaptive control.
func (g *Governor) ExitSafeMode() {
	g.mu.Lock()
	g.safeMode = false
	g.mu.Unlock()
}

// AdjustLimits is a manual override for higher-level QoS policy. min/max
// nil leaves that bound unchanged.
func (g *Governor) AdjustLimits(delta int, min, max *int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if min != nil {
		g.minStreams = *min
	}
	if max != nil {
		g.maxStreams = *max
	}
	g.currentLimit = clampI(g.currentLimit+delta, g.minStreams, g.maxStreams)
	g.emit(events.LimitAdjusted, g.currentLimit)
}

// tenantFor returns the tenant state to apply for tenantId, falling back
// to the "default" budget, constructing the backing limiter lazily.
// Caller must hold g.mu.
func (g *Governor) tenantFor(tenantId string) *tenantState {
	if ts, ok := g.tenants[tenantId]; ok {
		return ts
	}
	budget, ok := g.cfg.TenantBudgets[tenantId]
	if !ok {
		budget, ok = g.cfg.TenantBudgets["default"]
	}
	if !ok {
		return nil
	}
	ts := &tenantState{budget: budget}
	if budget.BurstLimit > 0 && budget.DecayMs > 0 {
		ts.limiter = catrate.NewLimiter(map[time.Duration]int{budget.DecayMs: budget.BurstLimit})
	}
	g.tenants[tenantId] = ts
	return ts
}

func (g *Governor) emit(name events.Name, data any) {
	if g.emitter != nil {
		g.emitter.Emit(name, data)
	}
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func reasonN(prefix string, n int) string {
	return prefix + "_" + strconv.Itoa(n)
}
