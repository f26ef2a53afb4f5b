// Package events implements a typed pub-sub event emitter used to fan out
// model/generation/runtime lifecycle events to subscribers.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/go-mlxdispatch/internal/telemetry"
)

// Name is one of the dispatcher's well-known event names.
type Name string

const (
	ModelLoaded         Name = "model:loaded"
	ModelUnloaded       Name = "model:unloaded"
	ModelInvalidated    Name = "model:invalidated"
	GenericError        Name = "error"
	GenerationToken     Name = "generation:token"
	GenerationCompleted Name = "generation:completed"
	RuntimeStatus       Name = "runtime:status"
	Admission           Name = "admission"
	LimitAdjusted       Name = "limitAdjusted"
	SafeModeEntered     Name = "safeModeEntered"
	PIDUnstable         Name = "pidUnstable"
	TenantRejected      Name = "tenantRejected"
)

// Event is one published occurrence.
type Event struct {
	Name Name
	Data any
}

// subscriber is one registered listener for a Name.
type subscriber struct {
	ch chan Event
}

// Emitter fans a published Event out to every current subscriber of its
// Name. Publishing never blocks on a slow subscriber for long: each
// subscriber channel is buffered, and a full channel drops the event for
// that subscriber rather than stalling the emitter.
type Emitter struct {
	log telemetry.Logger

	mu   sync.Mutex
	subs map[Name]map[*subscriber]struct{}
}

// New builds an Emitter. log may be nil.
func New(log telemetry.Logger) *Emitter {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Emitter{log: log, subs: make(map[Name]map[*subscriber]struct{})}
}

// Emit publishes data under name to every current subscriber. Safe to call
// from any goroutine; never blocks on a slow or absent subscriber.
func (e *Emitter) Emit(name Name, data any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("events: emit panic recovered", fmt.Errorf("%v", r), telemetry.F("event", string(name)))
		}
	}()

	e.mu.Lock()
	subs := e.subs[name]
	targets := make([]*subscriber, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	e.mu.Unlock()

	ev := Event{Name: name, Data: data}
	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			e.log.Warn("events: subscriber channel full, dropping event", telemetry.F("event", string(name)))
		}
	}
}

// Subscribe registers interest in name, returning a channel of matching
// events and a cancel func. The cancel func must be called once the
// subscriber is done, unless ctx is cancelled first; either path closes
// the returned channel exactly once.
func (e *Emitter) Subscribe(ctx context.Context, name Name) (<-chan Event, context.CancelFunc) {
	s := &subscriber{ch: make(chan Event, 16)}

	e.mu.Lock()
	if e.subs[name] == nil {
		e.subs[name] = make(map[*subscriber]struct{})
	}
	e.subs[name][s] = struct{}{}
	e.mu.Unlock()

	var removeOnce sync.Once
	remove := func() {
		removeOnce.Do(func() {
			e.mu.Lock()
			delete(e.subs[name], s)
			if len(e.subs[name]) == 0 {
				delete(e.subs, name)
			}
			e.mu.Unlock()
			close(s.ch)
		})
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		select {
		case <-ctx.Done():
			remove()
		case <-stop:
		}
	}()

	cancel := func() {
		remove()
		stopOnce.Do(func() { close(stop) })
	}
	return s.ch, cancel
}

// On subscribes and runs handler in its own goroutine for every event,
// until ctx is cancelled. Panics raised by handler are recovered and
// logged so one bad listener never takes down the emitter or other
// listeners.
func (e *Emitter) On(ctx context.Context, name Name, handler func(Event)) {
	ch, cancel := e.Subscribe(ctx, name)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.safeHandle(handler, ev)
			}
		}
	}()
}

func (e *Emitter) safeHandle(handler func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("events: listener panic recovered", fmt.Errorf("%v", r), telemetry.F("event", string(ev.Name)))
		}
	}()
	handler(ev)
}
