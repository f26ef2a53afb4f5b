package mlxdispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/go-mlxdispatch/internal/governor"
	"github.com/joeycumines/go-mlxdispatch/internal/streamreg"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// GenerateInput is CreateGenerator's typed parameter shape.
type GenerateInput struct {
	ModelID           string
	TenantID          string // "" uses the governor's "default" tenant budget
	Prompt            string
	MaxTokens         int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	StopSequences     []string
	Seed              int64
	TimeoutMs         time.Duration
}

// GenerationStats mirrors the child's final stream_stats report.
type GenerationStats struct {
	TokensGenerated  int
	TokensPerSec     float64
	TimeToFirstToken float64
	TotalTime        float64
}

func statsFromWire(s *wire.StreamStats) *GenerationStats {
	if s == nil {
		return nil
	}
	return &GenerationStats{
		TokensGenerated:  s.TokensGenerated,
		TokensPerSec:     s.TokensPerSec,
		TimeToFirstToken: s.TimeToFirstToken,
		TotalTime:        s.TotalTime,
	}
}

// GenerateEvent is one item of a Generator's event sequence. Every item
// before the last carries only Token. The last item carries Stats (nil if
// no stream_stats arrived) and Err (nil on normal completion); if the
// stream's channels cannot be looked up, the only item carries Err alone.
type GenerateEvent struct {
	Token *string
	Stats *GenerationStats
	Err   error
}

// Generator is a single in-flight streaming generation. Range over
// Events() until the channel closes.
type Generator struct {
	streamID string
	tenantID string
	events   chan GenerateEvent
	registry *streamreg.Registry
	gov      *governor.Governor
}

// StreamID returns the caller-visible stream identifier, e.g. for logging
// or CancelStream correlation.
func (g *Generator) StreamID() string { return g.streamID }

// Events returns the channel of token/stats/error items, in arrival order,
// closed once the stream reaches a terminal state.
func (g *Generator) Events() <-chan GenerateEvent { return g.events }

// Cancel cooperatively cancels the stream.
func (g *Generator) Cancel() error { return g.registry.Cancel(g.streamID) }

// CreateGenerator starts one streaming generation against in.ModelID,
// subject to governor admission and the active-stream cap.
func (e *Engine) CreateGenerator(ctx context.Context, in GenerateInput) (*Generator, error) {
	if in.ModelID == "" {
		return nil, errValidation("modelId is required")
	}
	if _, ok := e.arena.get(in.ModelID); !ok {
		return nil, errModelNotLoaded(in.ModelID)
	}
	b, err := e.currentBundle(ctx)
	if err != nil {
		return nil, err
	}

	tenantID := in.TenantID
	if tenantID == "" {
		tenantID = "default"
	}
	decision := e.governor.Evaluate(tenantID, b.registry.Active())
	switch decision.Action {
	case governor.ActionReject:
		return nil, errAtCapacity(decision.Reason)
	case governor.ActionQueue:
		return nil, errBackpressure(0, "at capacity: %s", decision.Reason)
	}

	e.arena.touch(in.ModelID)
	streamID := uuid.New().String()

	timeout := in.TimeoutMs
	if timeout <= 0 {
		timeout = e.opts.StreamTimeoutMs
	}
	if err := b.registry.Register(streamID, tenantID, timeout); err != nil {
		e.governor.ReleaseTenant(tenantID)
		if err == streamreg.ErrAtCapacity {
			return nil, errAtCapacity("active stream cap reached")
		}
		return nil, errRuntime(err, "failed to register stream")
	}

	params := wire.GenerateParams{
		ModelID:           in.ModelID,
		Prompt:            in.Prompt,
		StreamID:          streamID,
		MaxTokens:         in.MaxTokens,
		Temperature:       in.Temperature,
		TopP:              in.TopP,
		RepetitionPenalty: in.RepetitionPenalty,
		StopSequences:     in.StopSequences,
		Seed:              in.Seed,
	}
	if _, rpcErr := b.correlator.Request(ctx, wire.MethodGenerate, params, defaultRPCTimeout); rpcErr != nil {
		_ = b.registry.Cancel(streamID)
		b.registry.Reap(streamID)
		e.governor.ReleaseTenant(tenantID)
		if mapped, ok := commonRPCErr(wire.MethodGenerate, rpcErr); ok {
			return nil, mapped
		}
		return nil, errGeneration(rpcErr, streamID)
	}

	g := &Generator{streamID: streamID, tenantID: tenantID, registry: b.registry, gov: e.governor, events: make(chan GenerateEvent, 4)}
	go g.forward()
	return g, nil
}

// forward drains the registry's per-stream chunk and done channels into
// g.events, in arrival order, closing g.events exactly once after the
// terminal outcome is delivered. Adapted, by hand, from the drain-loop
// shape of a generic channel-coalescing helper, since this stream's
// termination signal (a separately-closed done channel) doesn't fit that
// helper's single-channel contract directly.
func (g *Generator) forward() {
	defer close(g.events)
	defer g.gov.ReleaseTenant(g.tenantID)

	chunks, err := g.registry.Chunks(g.streamID)
	if err != nil {
		g.events <- GenerateEvent{Err: err}
		return
	}
	done, err := g.registry.Done(g.streamID)
	if err != nil {
		g.events <- GenerateEvent{Err: err}
		return
	}

	for {
		select {
		case c := <-chunks:
			tok := c.Token
			g.events <- GenerateEvent{Token: &tok}
			_ = g.registry.AcknowledgeChunk(context.Background(), g.streamID)
		case <-done:
			g.drainRemaining(chunks)
			outcome, _ := g.registry.Outcome(g.streamID)
			g.registry.Reap(g.streamID)
			final := GenerateEvent{Stats: statsFromWire(outcome.Stats)}
			if outcome.Err != nil {
				final.Err = outcome.Err
			}
			g.events <- final
			return
		}
	}
}

func (g *Generator) drainRemaining(chunks <-chan streamreg.ChunkEvent) {
	for {
		select {
		case c := <-chunks:
			tok := c.Token
			g.events <- GenerateEvent{Token: &tok}
			_ = g.registry.AcknowledgeChunk(context.Background(), g.streamID)
		default:
			return
		}
	}
}

// Generate is the non-streaming convenience wrapper around CreateGenerator:
// it drains the whole sequence and concatenates every token.
func (e *Engine) Generate(ctx context.Context, in GenerateInput) (string, GenerationStats, error) {
	gen, err := e.CreateGenerator(ctx, in)
	if err != nil {
		return "", GenerationStats{}, err
	}

	var sb strings.Builder
	var stats GenerationStats
	for ev := range gen.Events() {
		if ev.Token != nil {
			sb.WriteString(*ev.Token)
		}
		if ev.Stats != nil {
			stats = *ev.Stats
		}
		if ev.Err != nil {
			return sb.String(), stats, errGeneration(ev.Err, gen.StreamID())
		}
	}
	return sb.String(), stats, nil
}
