// Package streamreg implements the stream registry: per-stream event
// delivery, the active-stream cap, timeout/cancellation, and ack-based
// backpressure.
package streamreg

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/events"
	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// Status is a stream's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Errors returned as a stream's terminal Outcome.Err.
var (
	ErrAtCapacity = errors.New("streamreg: at capacity")
	ErrTimeout    = errors.New("streamreg: timeout")
	ErrCancelled  = errors.New("streamreg: cancelled")
	ErrOrphaned   = errors.New("streamreg: transport changed")
	ErrNotFound   = errors.New("streamreg: unknown stream id")
)

// ChunkEvent is one token yielded to the consumer, in arrival order.
type ChunkEvent struct {
	Token   string
	LogProb *float64
}

// Outcome is the terminal result of a stream, valid once Done() is closed.
type Outcome struct {
	Status Status
	Stats  *wire.StreamStats
	Err    error
}

// Sender is the transport capability needed to emit cancel/ack
// notifications back to the child.
type Sender interface {
	Send(wire.Message) error
}

// CapacityProvider returns the currently allowed number of active streams.
// The Governor is the single source of truth for this value; the registry
// only reads it.
type CapacityProvider func() int

// stream is the registry's internal bookkeeping for one active stream.
type stream struct {
	id        string
	tenant    string
	startedAt time.Time
	timeoutMs time.Duration

	chunks chan ChunkEvent
	done   chan struct{}

	mu       sync.Mutex
	ttft     *time.Duration
	tokens   int
	unacked  int
	status   Status
	outcome  Outcome
	finished bool
	timer    *time.Timer
}

func (s *stream) finish(o Outcome) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.status = o.Status
	s.outcome = o
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	close(s.done)
}

// Registry owns every active stream, keyed by caller-supplied streamId.
type Registry struct {
	sender          Sender
	emitter         *events.Emitter
	log             telemetry.Logger
	capacity        CapacityProvider
	backpressureMax int
	defaultTimeout  time.Duration

	mu          sync.Mutex
	streams     map[string]*stream
	ttftSamples []float64
}

// Config configures a Registry.
type Config struct {
	Sender               Sender
	Emitter              *events.Emitter
	Logger               telemetry.Logger
	Capacity             CapacityProvider
	BackpressureMax      int
	DefaultTimeout       time.Duration
}

// New builds a Registry. Capacity must be non-nil.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Nop()
	}
	if cfg.BackpressureMax <= 0 {
		cfg.BackpressureMax = 64
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	return &Registry{
		sender:          cfg.Sender,
		emitter:         cfg.Emitter,
		log:             cfg.Logger,
		capacity:        cfg.Capacity,
		backpressureMax: cfg.BackpressureMax,
		defaultTimeout:  cfg.DefaultTimeout,
		streams:         make(map[string]*stream),
	}
}

// Register begins tracking streamId as active, returning ErrAtCapacity if
// the active count already equals the governor-owned cap. timeout <= 0
// uses the registry's DefaultTimeout.
func (r *Registry) Register(streamID, tenant string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	if r.activeCountLocked() >= r.capacity() {
		r.mu.Unlock()
		return ErrAtCapacity
	}
	if _, exists := r.streams[streamID]; exists {
		r.mu.Unlock()
		return errors.New("streamreg: stream id already registered")
	}
	s := &stream{
		id:        streamID,
		tenant:    tenant,
		startedAt: time.Now(),
		timeoutMs: timeout,
		chunks:    make(chan ChunkEvent, 16),
		done:      make(chan struct{}),
	}
	r.streams[streamID] = s
	r.mu.Unlock()

	s.timer = time.AfterFunc(timeout, func() { r.timeoutStream(streamID) })
	return nil
}

func (r *Registry) lookup(streamID string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[streamID]
}

// Reap drops streamID's bookkeeping once its consumer has read its terminal
// Outcome. Finished-but-unreaped streams remain visible to Outcome (and
// excluded from Active) so a terminal HandleEvent/Cancel/timeout and the
// consumer's subsequent Outcome read never race on removal.
func (r *Registry) Reap(streamID string) {
	r.mu.Lock()
	delete(r.streams, streamID)
	r.mu.Unlock()
}

// activeCountLocked counts non-terminal streams. r.mu must be held.
func (r *Registry) activeCountLocked() int {
	n := 0
	for _, s := range r.streams {
		s.mu.Lock()
		finished := s.finished
		s.mu.Unlock()
		if !finished {
			n++
		}
	}
	return n
}

// Chunks returns the channel the consumer should range over for tokens, in
// arrival order.
func (r *Registry) Chunks(streamID string) (<-chan ChunkEvent, error) {
	s := r.lookup(streamID)
	if s == nil {
		return nil, ErrNotFound
	}
	return s.chunks, nil
}

// Done returns the channel closed exactly once, when streamID reaches a
// terminal status.
func (r *Registry) Done(streamID string) (<-chan struct{}, error) {
	s := r.lookup(streamID)
	if s == nil {
		return nil, ErrNotFound
	}
	return s.done, nil
}

// Outcome returns the terminal Outcome; only meaningful after Done() closes.
func (r *Registry) Outcome(streamID string) (Outcome, error) {
	s := r.lookup(streamID)
	if s == nil {
		return Outcome{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, nil
}

// HandleChunk delivers one stream_chunk notification. Captures
// time-to-first-token on the first call.
func (r *Registry) HandleChunk(msg wire.StreamChunk) {
	s := r.lookup(msg.StreamID)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if s.ttft == nil {
		d := time.Since(s.startedAt)
		s.ttft = &d
		r.recordTTFT(float64(d.Milliseconds()))
	}
	s.tokens++
	s.unacked++
	unacked := s.unacked
	overBackpressure := unacked > r.backpressureMax
	s.mu.Unlock()

	if overBackpressure {
		r.log.Warn("streamreg: backpressure threshold exceeded", telemetry.F("streamId", msg.StreamID), telemetry.F("unacked", unacked))
	}

	select {
	case s.chunks <- ChunkEvent{Token: msg.Token, LogProb: msg.LogProb}:
		if r.emitter != nil {
			r.emitter.Emit(events.GenerationToken, msg)
		}
	case <-s.done:
	}
}

// HandleStats delivers a stream_stats notification; it does not terminate
// the stream (stream_event does).
func (r *Registry) HandleStats(msg wire.StreamStats) {
	s := r.lookup(msg.StreamID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.outcome.Stats = &msg
	s.mu.Unlock()
}

// HandleEvent delivers a stream_event notification, terminating the
// stream. Each stream reaches exactly one terminal status.
func (r *Registry) HandleEvent(msg wire.StreamEvent) {
	s := r.lookup(msg.StreamID)
	if s == nil {
		return
	}
	switch msg.Kind {
	case wire.StreamEventCompleted:
		s.finish(Outcome{Status: StatusCompleted, Stats: s.outcome.Stats})
		if r.emitter != nil {
			r.emitter.Emit(events.GenerationCompleted, msg)
		}
	case wire.StreamEventError:
		s.finish(Outcome{Status: StatusFailed, Err: errors.New(msg.Message)})
	default:
		r.log.Warn("streamreg: unknown stream_event kind", telemetry.F("kind", string(msg.Kind)))
	}
}

// AcknowledgeChunk decrements the unacked counter and forwards a credit
// acknowledgement to the child, releasing backpressure.
func (r *Registry) AcknowledgeChunk(ctx context.Context, streamID string) error {
	s := r.lookup(streamID)
	if s == nil {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.unacked > 0 {
		s.unacked--
	}
	s.mu.Unlock()

	if r.sender == nil {
		return nil
	}
	msg, err := wire.NewNotification(wire.MethodAckChunk, wire.AckChunkParams{StreamID: streamID})
	if err != nil {
		return err
	}
	return r.sender.Send(msg)
}

// Cancel cooperatively cancels streamID: it sends a best-effort cancel
// notification to the child and completes the stream with Cancelled.
func (r *Registry) Cancel(streamID string) error {
	s := r.lookup(streamID)
	if s == nil {
		return ErrNotFound
	}
	if r.sender != nil {
		if msg, err := wire.NewNotification(wire.MethodCancelStream, wire.CancelStreamParams{StreamID: streamID}); err == nil {
			if err := r.sender.Send(msg); err != nil {
				r.log.Warn("streamreg: cancel notification failed", telemetry.F("streamId", streamID), telemetry.F("error", err.Error()))
			}
		}
	}
	s.finish(Outcome{Status: StatusCancelled, Err: ErrCancelled})
	return nil
}

func (r *Registry) timeoutStream(streamID string) {
	s := r.lookup(streamID)
	if s == nil {
		return
	}
	s.finish(Outcome{Status: StatusCancelled, Err: ErrTimeout})
}

// recordTTFT buffers one time-to-first-token measurement (milliseconds) for
// the governor's PID sampler to drain.
func (r *Registry) recordTTFT(ms float64) {
	r.mu.Lock()
	r.ttftSamples = append(r.ttftSamples, ms)
	r.mu.Unlock()
}

// DrainTTFTSamples removes and returns every buffered TTFT measurement
// (milliseconds) since the last drain, for the governor's sample timer.
func (r *Registry) DrainTTFTSamples() []float64 {
	r.mu.Lock()
	samples := r.ttftSamples
	r.ttftSamples = nil
	r.mu.Unlock()
	return samples
}

// Active returns the current number of active (non-terminal) streams.
// Finished-but-unreaped streams (awaiting their consumer's Outcome read) do
// not count.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCountLocked()
}

// Clear forcibly cancels every active stream, so none outlives the
// transport it was issued against. Like the other terminal paths, finished
// streams stay visible to Outcome/Chunks/Done until their consumer calls
// Reap - Clear only marks them terminal, it does not remove them.
func (r *Registry) Clear() {
	r.mu.Lock()
	streams := make([]*stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		s.finish(Outcome{Status: StatusCancelled, Err: ErrOrphaned})
	}
}
