// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kbroker/kbroker/lib/codec"
)

// PubChannel publishes messages of type T. A string T makes a text
// channel; any other type an object channel.
type PubChannel[T any] struct {
	ctx    *Context
	name   string
	slot   string
	closed atomic.Bool
}

// NewPubChannel registers a publisher called name on ctx.
func NewPubChannel[T any](ctx *Context, name string) (*PubChannel[T], error) {
	p := &PubChannel[T]{ctx: ctx, name: name, slot: slotName(name, encodingOf[T](), patternPubSub)}
	if err := ctx.register(name, p, "", nil); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the channel name.
func (p *PubChannel[T]) Name() string { return p.name }

// Send publishes message to every subscriber. It never blocks and is
// safe to call from any goroutine.
func (p *PubChannel[T]) Send(message T) error {
	if p.closed.Load() {
		return ErrClosed
	}
	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", p.name, err)
	}
	_, err = p.ctx.publish(p.slot, payload, "", 0)
	return err
}

// Close unregisters the channel.
func (p *PubChannel[T]) Close() {
	p.ctx.unregister(p.name, p.slot)
	p.detach()
}

func (p *PubChannel[T]) detach() { p.closed.Store(true) }

// SubChannel receives the messages published on a channel of the same
// name and type anywhere in the network.
type SubChannel[T any] struct {
	ctx    *Context
	name   string
	slot   string
	closed atomic.Bool
	signal chan struct{}

	mu        sync.Mutex
	queue     []T
	onReceive func(T)
}

// NewSubChannel registers a subscriber called name on ctx.
func NewSubChannel[T any](ctx *Context, name string) (*SubChannel[T], error) {
	s := &SubChannel[T]{
		ctx:    ctx,
		name:   name,
		slot:   slotName(name, encodingOf[T](), patternPubSub),
		signal: make(chan struct{}, 1),
	}
	if err := ctx.register(name, s, s.slot, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the channel name.
func (s *SubChannel[T]) Name() string { return s.name }

// OnReceive makes fn receive each message during Pump instead of the
// queue. Messages already queued stay queued.
func (s *SubChannel[T]) OnReceive(fn func(message T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = fn
}

// Recv returns the oldest queued message, if any.
func (s *SubChannel[T]) Recv() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.queue) == 0 {
		return zero, false
	}
	message := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return message, true
}

// RecvAll returns and clears every queued message, oldest first.
func (s *SubChannel[T]) RecvAll() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.queue
	s.queue = nil
	return messages
}

// Pending returns the number of queued messages.
func (s *SubChannel[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RecvWait pumps the context until a message is queued or ctx ends.
// It must not be called from a channel callback.
func (s *SubChannel[T]) RecvWait(ctx context.Context) (T, error) {
	var zero T
	for {
		if message, ok := s.Recv(); ok {
			return message, nil
		}
		if s.closed.Load() {
			return zero, ErrClosed
		}
		s.ctx.Pump()
		if message, ok := s.Recv(); ok {
			return message, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.ctx.done:
			return zero, ErrClosed
		case <-s.ctx.signal:
		case <-s.signal:
		}
	}
}

// Close unregisters the channel. Queued messages remain readable.
func (s *SubChannel[T]) Close() {
	s.ctx.unregister(s.name, s.slot)
	s.detach()
}

func (s *SubChannel[T]) detach() { s.closed.Store(true) }

func (s *SubChannel[T]) deliver(f *frame, payload []byte) {
	var message T
	if err := codec.Unmarshal(payload, &message); err != nil {
		s.ctx.logger.Error("dropping undecodable message", "channel", s.name, "source", f.Source, "error", err)
		return
	}
	s.mu.Lock()
	callback := s.onReceive
	if callback == nil {
		s.queue = append(s.queue, message)
	}
	s.mu.Unlock()

	if callback != nil {
		callback(message)
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// StateChannel holds a value of type T that any context in the
// network may set; every holder converges on the last value set.
// Setting the value the channel already holds sends nothing.
type StateChannel[T any] struct {
	ctx    *Context
	name   string
	slot   string
	closed atomic.Bool

	mu       sync.Mutex
	value    T
	encoded  []byte
	has      bool
	owned    bool
	onChange func(T)
}

// NewStateChannel registers a state channel called name on ctx.
func NewStateChannel[T any](ctx *Context, name string) (*StateChannel[T], error) {
	s := &StateChannel[T]{ctx: ctx, name: name, slot: slotName(name, encodingOf[T](), patternState)}
	if err := ctx.register(name, s, s.slot, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the channel name.
func (s *StateChannel[T]) Name() string { return s.name }

// Send sets the state and publishes it if it changed.
func (s *StateChannel[T]) Send(value T) error {
	if s.closed.Load() {
		return ErrClosed
	}
	payload, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding state for %s: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.has && bytes.Equal(s.encoded, payload) {
		return nil
	}
	s.value, s.encoded, s.has, s.owned = value, payload, true, true
	_, err = s.ctx.publish(s.slot, payload, "", 0)
	return err
}

// Recv returns the current value, or the zero value if none was set.
func (s *StateChannel[T]) Recv() T {
	value, _ := s.Value()
	return value
}

// Value returns the current value and whether one was ever set.
func (s *StateChannel[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// OnChange makes fn run during Pump whenever a peer changes the value.
func (s *StateChannel[T]) OnChange(fn func(value T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Close unregisters the channel.
func (s *StateChannel[T]) Close() {
	s.ctx.unregister(s.name, s.slot)
	s.detach()
}

func (s *StateChannel[T]) detach() { s.closed.Store(true) }

func (s *StateChannel[T]) deliver(f *frame, payload []byte) {
	var value T
	if err := codec.Unmarshal(payload, &value); err != nil {
		s.ctx.logger.Error("dropping undecodable state", "channel", s.name, "source", f.Source, "error", err)
		return
	}
	s.mu.Lock()
	if s.has && bytes.Equal(s.encoded, payload) {
		s.mu.Unlock()
		return
	}
	s.value, s.encoded, s.has, s.owned = value, payload, true, false
	callback := s.onChange
	s.mu.Unlock()

	if callback != nil {
		callback(value)
	}
}

// replay republishes a value this context set, for a peer that just
// joined.
func (s *StateChannel[T]) replay() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has || !s.owned {
		return
	}
	if _, err := s.ctx.publish(s.slot, s.encoded, "", 0); err != nil {
		s.ctx.logger.Debug("replaying state", "channel", s.name, "error", err)
	}
}
