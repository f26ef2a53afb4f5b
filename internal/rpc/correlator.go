// Package rpc implements the request/response correlation layer between
// the facade and the subprocess transport.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

// DefaultMaxPendingRequests is the default concurrent in-flight request cap.
const DefaultMaxPendingRequests = 100

// Sender is the minimal transport capability the correlator needs.
type Sender interface {
	Send(wire.Message) error
}

// ErrBackpressure is returned when MaxPendingRequests is reached.
var ErrBackpressure = fmt.Errorf("rpc: too many pending requests")

// ErrTimeout is returned when a call's deadline elapses before a reply.
var ErrTimeout = fmt.Errorf("rpc: timeout")

// ErrCancelled is returned for requests still pending at Shutdown.
var ErrCancelled = fmt.Errorf("rpc: cancelled")

// RPCError wraps a child-reported JSON-RPC error.
type RPCError struct {
	Code    int
	Message string
	Details json.RawMessage
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc: child error %d: %s", e.Code, e.Message) }

type pending struct {
	resolve func(json.RawMessage)
	reject  func(error)
	timer   *time.Timer
}

// Correlator assigns monotonic request IDs, parks callers on a pending map,
// and routes replies by ID. One Correlator is bound to exactly one
// Transport; a transport swap requires a new Correlator (Shutdown the old).
type Correlator struct {
	sender         Sender
	log            telemetry.Logger
	maxPending     int
	nextID         uint64
	mu             sync.Mutex
	pendingByID    map[uint64]*pending
	shuttingDown   bool
}

// New builds a Correlator writing requests via sender. maxPending <= 0
// uses DefaultMaxPendingRequests.
func New(sender Sender, maxPending int, log telemetry.Logger) *Correlator {
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingRequests
	}
	if log == nil {
		log = telemetry.Nop()
	}
	return &Correlator{
		sender:      sender,
		log:         log,
		maxPending:  maxPending,
		pendingByID: make(map[uint64]*pending),
	}
}

// Request sends method/params to the child and blocks until a matching
// response arrives, ctx is done, or timeout elapses (if > 0).
func (c *Correlator) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil, ErrCancelled
	}
	if len(c.pendingByID) >= c.maxPending {
		c.mu.Unlock()
		return nil, ErrBackpressure
	}
	id := atomic.AddUint64(&c.nextID, 1)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	p := &pending{
		resolve: func(r json.RawMessage) { resultCh <- r },
		reject:  func(err error) { errCh <- err },
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.completeTimeout(id)
		})
	}
	c.pendingByID[id] = p
	c.mu.Unlock()

	msg, err := wire.NewRequest(id, method, params)
	if err != nil {
		c.remove(id)
		return nil, err
	}
	if err := c.sender.Send(msg); err != nil {
		c.remove(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	}
}

func (c *Correlator) completeTimeout(id uint64) {
	c.mu.Lock()
	p, ok := c.pendingByID[id]
	if ok {
		delete(c.pendingByID, id)
	}
	c.mu.Unlock()
	if ok {
		p.reject(ErrTimeout)
	}
}

func (c *Correlator) remove(id uint64) {
	c.mu.Lock()
	p, ok := c.pendingByID[id]
	if ok {
		delete(c.pendingByID, id)
	}
	c.mu.Unlock()
	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

// HandleResponse routes a decoded response message to its waiting caller.
// Unmatched replies (unknown id, already timed out) are dropped with a
// warning, never panicking the receive loop.
func (c *Correlator) HandleResponse(msg wire.Message) {
	if msg.ID == nil {
		return
	}
	c.mu.Lock()
	p, ok := c.pendingByID[*msg.ID]
	if ok {
		delete(c.pendingByID, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("rpc: dropping unmatched response", telemetry.F("id", *msg.ID))
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if msg.Error != nil {
		p.reject(&RPCError{Code: msg.Error.Code, Message: msg.Error.Message, Details: msg.Error.Data})
		return
	}
	p.resolve(msg.Result)
}

// Pending returns the current count of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingByID)
}

// Shutdown rejects every pending request with ErrCancelled and refuses any
// further Request calls. Idempotent.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	c.shuttingDown = true
	rest := c.pendingByID
	c.pendingByID = make(map[uint64]*pending)
	c.mu.Unlock()

	for _, p := range rest {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.reject(ErrCancelled)
	}
}
