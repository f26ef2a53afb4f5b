package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesEmittedEvent(t *testing.T) {
	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := e.Subscribe(ctx, ModelLoaded)
	defer unsub()

	e.Emit(ModelLoaded, "m1")

	select {
	case ev := <-ch:
		assert.Equal(t, ModelLoaded, ev.Name)
		assert.Equal(t, "m1", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeOnlyReceivesMatchingName(t *testing.T) {
	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := e.Subscribe(ctx, ModelLoaded)
	defer unsub()

	e.Emit(ModelUnloaded, "m1")

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	e := New(nil)
	ctx := context.Background()
	ch, unsub := e.Subscribe(ctx, ModelLoaded)
	unsub()

	e.Emit(ModelLoaded, "m1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed or no delivery after cancel")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnInvokesHandlerForEachEvent(t *testing.T) {
	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 4)
	e.On(ctx, GenerationToken, func(ev Event) { received <- ev })

	e.Emit(GenerationToken, "tok1")
	e.Emit(GenerationToken, "tok2")

	var got []any
	for i := 0; i < 2; i++ {
		select {
		case ev := <-received:
			got = append(got, ev.Data)
		case <-time.After(time.Second):
			t.Fatal("handler not invoked in time")
		}
	}
	assert.ElementsMatch(t, []any{"tok1", "tok2"}, got)
}

func TestOnRecoversFromHandlerPanic(t *testing.T) {
	e := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{}, 1)
	e.On(ctx, GenericError, func(ev Event) {
		defer func() { done <- struct{}{} }()
		panic("boom")
	})

	require.NotPanics(t, func() {
		e.Emit(GenericError, "oops")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestEmitWithoutSubscribersDoesNotBlock(t *testing.T) {
	e := New(nil)
	assert.NotPanics(t, func() {
		e.Emit(RuntimeStatus, "idle")
	})
}
