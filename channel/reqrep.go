// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kbroker/kbroker/lib/codec"
)

// RemoteError is a failure reported by the replier.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

// Future is the eventual outcome of a ReqChannel call.
type Future struct {
	method string
	done   chan struct{}
	once   sync.Once
	result codec.RawMessage
	err    error
}

func newFuture(method string) *Future {
	return &Future{method: method, done: make(chan struct{})}
}

// Done is closed once the future resolves or is rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns nil while pending or after success, the rejection
// otherwise.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Result decodes the reply into v. It fails if the future is still
// pending or was rejected.
func (f *Future) Result(v any) error {
	select {
	case <-f.done:
	default:
		return fmt.Errorf("call %s still pending", f.method)
	}
	if f.err != nil {
		return f.err
	}
	if v == nil || len(f.result) == 0 {
		return nil
	}
	return codec.Unmarshal(f.result, v)
}

// Wait blocks until the future settles or ctx ends. Some goroutine
// must be pumping the context meanwhile.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) settle(result codec.RawMessage, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// ReqChannel calls methods on the RepChannel of the same name.
type ReqChannel struct {
	ctx     *Context
	name    string
	reqSlot string
	repSlot string
	closed  atomic.Bool

	mu      sync.Mutex
	pending map[uint64]*Future
}

// NewReqChannel registers a requester called name on ctx.
func NewReqChannel(ctx *Context, name string) (*ReqChannel, error) {
	r := &ReqChannel{
		ctx:     ctx,
		name:    name,
		reqSlot: slotName(name, Object, patternReqRep),
		repSlot: slotName(name, Object, patternRepReq),
		pending: make(map[uint64]*Future),
	}
	if err := ctx.register(name, r, r.repSlot, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Name returns the channel name.
func (r *ReqChannel) Name() string { return r.name }

// Call sends a request and returns its future. There is no timeout of
// its own: the future settles on reply, on the context closing, or on
// the context losing its last peer.
func (r *ReqChannel) Call(method string, args ...any) *Future {
	future := newFuture(method)
	payload, err := encodeRequest(method, args, false)
	if err != nil {
		future.settle(nil, err)
		return future
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		future.settle(nil, ErrClosed)
		return future
	}
	seq, err := r.ctx.publish(r.reqSlot, payload, "", 0)
	if err != nil {
		future.settle(nil, err)
		return future
	}
	r.pending[seq] = future
	return future
}

// Notify sends a request for which no reply is wanted.
func (r *ReqChannel) Notify(method string, args ...any) error {
	if r.closed.Load() {
		return ErrClosed
	}
	payload, err := encodeRequest(method, args, true)
	if err != nil {
		return err
	}
	_, err = r.ctx.publish(r.reqSlot, payload, "", 0)
	return err
}

// PendingCount returns the number of unsettled calls.
func (r *ReqChannel) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close unregisters the channel and rejects pending calls.
func (r *ReqChannel) Close() {
	r.ctx.unregister(r.name, r.repSlot)
	r.detach()
}

func (r *ReqChannel) detach() {
	r.closed.Store(true)
	r.rejectAll(ErrClosed)
}

func (r *ReqChannel) rejectAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]*Future)
	r.mu.Unlock()

	for _, future := range pending {
		future.settle(nil, err)
	}
}

func (r *ReqChannel) deliver(f *frame, payload []byte) {
	var answer reply
	if err := codec.Unmarshal(payload, &answer); err != nil {
		r.ctx.logger.Error("dropping undecodable reply", "channel", r.name, "source", f.Source, "error", err)
		return
	}
	r.mu.Lock()
	future, ok := r.pending[f.DestSeq]
	delete(r.pending, f.DestSeq)
	r.mu.Unlock()
	if !ok {
		return
	}
	if answer.Error != "" {
		future.settle(nil, &RemoteError{Method: future.method, Message: answer.Error})
		return
	}
	future.settle(answer.Result, nil)
}

func encodeRequest(method string, args []any, noReply bool) ([]byte, error) {
	encoded := make([]codec.RawMessage, len(args))
	for i, arg := range args {
		data, err := codec.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d of %s: %w", i, method, err)
		}
		encoded[i] = data
	}
	return codec.Marshal(request{Method: method, Args: encoded, NoReply: noReply})
}

// Request is a call received by a RepChannel.
type Request struct {
	Method string
	Args   []codec.RawMessage
	// Source is the id of the calling context.
	Source string
}

// Arg decodes argument i into v.
func (r Request) Arg(i int, v any) error {
	if i >= len(r.Args) {
		return fmt.Errorf("%s: missing argument %d", r.Method, i)
	}
	return codec.Unmarshal(r.Args[i], v)
}

// Handler answers one method. A returned error is sent to the caller
// as a RemoteError.
type Handler func(request Request) (any, error)

// RepChannel answers calls made on ReqChannels of the same name.
type RepChannel struct {
	ctx     *Context
	name    string
	reqSlot string
	repSlot string
	closed  atomic.Bool

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRepChannel registers a replier called name on ctx.
func NewRepChannel(ctx *Context, name string) (*RepChannel, error) {
	r := &RepChannel{
		ctx:      ctx,
		name:     name,
		reqSlot:  slotName(name, Object, patternReqRep),
		repSlot:  slotName(name, Object, patternRepReq),
		handlers: make(map[string]Handler),
	}
	if err := ctx.register(name, r, r.reqSlot, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Name returns the channel name.
func (r *RepChannel) Name() string { return r.name }

// Handle sets the handler for method, replacing any earlier one.
func (r *RepChannel) Handle(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Close unregisters the channel.
func (r *RepChannel) Close() {
	r.ctx.unregister(r.name, r.reqSlot)
	r.detach()
}

func (r *RepChannel) detach() { r.closed.Store(true) }

func (r *RepChannel) deliver(f *frame, payload []byte) {
	var call request
	if err := codec.Unmarshal(payload, &call); err != nil {
		r.ctx.logger.Error("dropping undecodable request", "channel", r.name, "source", f.Source, "error", err)
		return
	}
	r.mu.Lock()
	handler, ok := r.handlers[call.Method]
	r.mu.Unlock()

	var answer reply
	if !ok {
		answer.Error = fmt.Sprintf("unknown method %q", call.Method)
	} else {
		result, err := handler(Request{Method: call.Method, Args: call.Args, Source: f.Source})
		if err != nil {
			answer.Error = err.Error()
		} else if result != nil {
			answer.Result, err = codec.Marshal(result)
			if err != nil {
				answer.Error = fmt.Sprintf("encoding result: %v", err)
			}
		}
	}
	if call.NoReply || r.closed.Load() {
		return
	}

	encoded, err := codec.Marshal(answer)
	if err != nil {
		r.ctx.logger.Error("encoding reply", "channel", r.name, "method", call.Method, "error", err)
		return
	}
	if _, err := r.ctx.publish(r.repSlot, encoded, f.Source, f.Seq); err != nil {
		r.ctx.logger.Debug("sending reply", "channel", r.name, "method", call.Method, "error", err)
	}
}
