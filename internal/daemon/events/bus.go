// Package events fans builder events out to the daemon's consumers.
package events

import (
	"context"
	"reflect"
	"slices"
	"sync"

	ferrors "git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// Bus is an in-process publish/subscribe hub. Subscribers receive the
// published values assignable to their type parameter, so a subscription
// on an interface sees every implementation of it.
//
// Publish waits for every matching subscriber to take the event. Nothing
// is persisted here; the event store is the durable record.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

type subscription struct {
	kind    reflect.Type
	deliver func(ctx context.Context, evt any) error
	once    sync.Once
	done    func()
}

func (s *subscription) close() { s.once.Do(s.done) }

// NewBus returns an open bus with no subscribers.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a subscriber for values of type T with a channel of
// the given buffer size. The returned func unsubscribes and closes the
// channel. Subscribing to a closed bus yields a closed channel.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	sub := &subscription{
		kind: reflect.TypeFor[T](),
		done: func() { close(ch) },
	}
	sub.deliver = func(ctx context.Context, evt any) error {
		v, ok := evt.(T)
		if !ok {
			return nil
		}
		select {
		case ch <- v:
			return nil
		case <-ctx.Done():
			return ferrors.WrapError(ctx.Err(), ferrors.CategoryDaemon, "event delivery canceled").
				WithContext("event_type", sub.kind.String()).
				Build()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return ch, func() {}
	}
	b.subs = append(b.subs, sub)

	return ch, func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
		b.mu.Unlock()
		sub.close()
	}
}

// SubscriberCount reports how many subscriptions were made for exactly T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	kind := reflect.TypeFor[T]()
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.kind == kind {
			n++
		}
	}
	return n
}

// Publish hands evt to each matching subscriber in subscription order,
// stopping at the first one that does not accept it before ctx is done.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	switch {
	case evt == nil:
		return ferrors.ValidationError("event cannot be nil").Build()
	case ctx == nil:
		return ferrors.ValidationError("context cannot be nil").Build()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ferrors.DaemonError("event bus is closed").Build()
	}
	targets := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close rejects further publishes and closes every subscriber channel.
// It must not race with an in-flight Publish; the daemon stops its relay
// first.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
