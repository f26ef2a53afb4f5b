package governor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-mlxdispatch/internal/events"
)

func TestEvaluateDisabledAlwaysAdmits(t *testing.T) {
	g := New(Config{Enabled: false})
	d := g.Evaluate("t1", 1000)
	assert.Equal(t, ActionAdmit, d.Action)
}

func TestEvaluateQueuesAtCapacity(t *testing.T) {
	g := New(Config{Enabled: true, MinStreams: 1, MaxStreams: 2})
	d := g.Evaluate("t1", 2)
	assert.Equal(t, ActionQueue, d.Action)
}

func TestEvaluateAdmitsBelowCapacity(t *testing.T) {
	g := New(Config{Enabled: true, MinStreams: 1, MaxStreams: 2})
	d := g.Evaluate("t1", 0)
	assert.Equal(t, ActionAdmit, d.Action)
}

func TestEvaluateRejectsOverTenantHardLimit(t *testing.T) {
	g := New(Config{
		Enabled: true, MinStreams: 1, MaxStreams: 8,
		TenantBudgets: map[string]TenantBudget{"t1": {HardLimit: 1}},
	})
	d1 := g.Evaluate("t1", 0)
	assert.Equal(t, ActionAdmit, d1.Action)
	d2 := g.Evaluate("t1", 0)
	assert.Equal(t, ActionReject, d2.Action)
}

func TestEvaluateRejectsOverTenantBurstLimit(t *testing.T) {
	g := New(Config{
		Enabled: true, MinStreams: 1, MaxStreams: 8,
		TenantBudgets: map[string]TenantBudget{
			"t1": {HardLimit: 100, BurstLimit: 2, DecayMs: 100 * time.Millisecond},
		},
	})
	d1 := g.Evaluate("t1", 0)
	assert.Equal(t, ActionAdmit, d1.Action)
	d2 := g.Evaluate("t1", 0)
	assert.Equal(t, ActionAdmit, d2.Action)

	d3 := g.Evaluate("t1", 0)
	assert.Equal(t, ActionReject, d3.Action)
	assert.Contains(t, d3.Reason, "burst_limit")
}

func TestReleaseTenantDecrementsUsage(t *testing.T) {
	g := New(Config{
		Enabled: true, MinStreams: 1, MaxStreams: 8,
		TenantBudgets: map[string]TenantBudget{"t1": {HardLimit: 1}},
	})
	g.Evaluate("t1", 0)
	g.ReleaseTenant("t1")
	d := g.Evaluate("t1", 0)
	assert.Equal(t, ActionAdmit, d.Action)
}

func TestEvaluateSafeModeOverridesAdmission(t *testing.T) {
	g := New(Config{Enabled: true, MinStreams: 1, MaxStreams: 8})
	g.EnterSafeMode("test")
	d := g.Evaluate("t1", 0)
	assert.Equal(t, ActionSafeMode, d.Action)
	g.ExitSafeMode()
	d = g.Evaluate("t1", 0)
	assert.Equal(t, ActionAdmit, d.Action)
}

func TestEnterSafeModePinsLimitAtMax(t *testing.T) {
	g := New(Config{Enabled: true, MinStreams: 1, MaxStreams: 4})
	g.AdjustLimits(-2, nil, nil)
	assert.Equal(t, 2, g.Cap())
	g.EnterSafeMode("overload")
	assert.Equal(t, 4, g.Cap())
}

func TestSampleLowersLimitWhenTTFTAboveTarget(t *testing.T) {
	g := New(Config{
		Enabled: true, MinStreams: 1, MaxStreams: 8,
		PID: PIDConfig{Kp: 0.05, TargetTTFTMs: 100, SampleIntervalMs: time.Second},
	})
	before := g.Cap()
	g.Sample(500) // well above target -> positive error -> cap should drop
	assert.Less(t, g.Cap(), before)
}

func TestSampleRaisesLimitWhenTTFTBelowTarget(t *testing.T) {
	g := New(Config{
		Enabled: true, MinStreams: 1, MaxStreams: 8,
		PID: PIDConfig{Kp: 0.05, TargetTTFTMs: 500, SampleIntervalMs: time.Second},
	})
	g.AdjustLimits(-4, nil, nil) // drop to 4 first
	before := g.Cap()
	g.Sample(50) // well below target -> negative error -> cap should rise
	assert.Greater(t, g.Cap(), before)
}

func TestSampleClampsWithinMinMax(t *testing.T) {
	g := New(Config{
		Enabled: true, MinStreams: 2, MaxStreams: 4,
		PID: PIDConfig{Kp: 100, TargetTTFTMs: 1, SampleIntervalMs: time.Second},
	})
	for i := 0; i < 10; i++ {
		g.Sample(10000)
	}
	assert.GreaterOrEqual(t, g.Cap(), 2)
	assert.LessOrEqual(t, g.Cap(), 4)
}

func TestSampleResetsOnNonFinitePIDOutput(t *testing.T) {
	emitter := events.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsubscribe := emitter.Subscribe(ctx, events.PIDUnstable)
	defer unsubscribe()

	g := New(Config{
		Enabled: true, MinStreams: 1, MaxStreams: 8,
		PID:     PIDConfig{Kp: math.Inf(1), TargetTTFTMs: 100, SampleIntervalMs: time.Second},
		Emitter: emitter,
	})
	g.AdjustLimits(-4, nil, nil) // drop below max first, so the reset is observable
	assert.Equal(t, 4, g.Cap())

	g.Sample(500) // Kp*errK overflows to +/-Inf -> output is non-finite

	assert.Equal(t, 8, g.Cap(), "non-finite output should reset the cap to max")

	select {
	case ev := <-ch:
		assert.Equal(t, events.PIDUnstable, ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected a pidUnstable event")
	}
}

func TestSampleDisabledIsNoop(t *testing.T) {
	g := New(Config{Enabled: false, MinStreams: 1, MaxStreams: 8})
	before := g.Cap()
	g.Sample(99999)
	assert.Equal(t, before, g.Cap())
}

func TestAdjustLimitsUpdatesBoundsAndCurrent(t *testing.T) {
	g := New(Config{Enabled: true, MinStreams: 1, MaxStreams: 8})
	newMax := 3
	g.AdjustLimits(0, nil, &newMax)
	assert.Equal(t, 3, g.Cap())
}
