/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package channel puts typed request/response rings on a connection's
// shared page. Front and Back implement connection.Binding, so an Endpoint
// attaches them on connect and detaches them on teardown.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/connection"
	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/logging"
	"github.com/SilentAlice/pvchan/internal/metrics"
	"github.com/SilentAlice/pvchan/internal/transport/notify"
	"github.com/SilentAlice/pvchan/internal/transport/ring"
)

var (
	// ErrNotConnected is returned while no page is attached.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrWrongRole is returned when a binding is attached on the wrong side.
	ErrWrongRole = errors.New("channel: attached on the wrong side")
)

// Option configures a Front or Back.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records ring traffic.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger)
	return o
}

func ringOptions(o options, ch *notify.Channel) []ring.Option {
	return []ring.Option{ring.WithSignaler(ch), ring.WithWaiter(ch), ring.WithMetrics(o.metrics)}
}

// Front is the requesting end. It formats the page on attach, sends
// requests and receives responses in order.
type Front[Req, Rsp any] struct {
	capacity uint32
	opts     options
	logger   *zap.Logger

	// life is held shared by ring operations and exclusively by Detach,
	// so the page is never released under an operation.
	life   sync.RWMutex
	sendMu sync.Mutex
	recvMu sync.Mutex
	callMu sync.Mutex

	mu    sync.Mutex
	ring  *ring.Front[Req, Rsp]
	ready chan struct{}
}

var _ connection.Binding = (*Front[uint32, uint32])(nil)

// NewFront returns a front end whose rings hold capacity records per
// direction. Req and Rsp are validated here.
func NewFront[Req, Rsp any](capacity uint32, opts ...Option) (*Front[Req, Rsp], error) {
	geo, err := ring.RecordLayout[Req, Rsp](capacity)
	if err != nil {
		return nil, err
	}
	if geo.Size > grant.PageSize {
		return nil, fmt.Errorf("channel: %d records need %d bytes, more than a page", capacity, geo.Size)
	}
	o := buildOptions(opts)
	return &Front[Req, Rsp]{
		capacity: capacity,
		opts:     o,
		logger:   o.logger.Named("channel.front"),
		ready:    make(chan struct{}),
	}, nil
}

// Attach implements connection.Binding.
func (f *Front[Req, Rsp]) Attach(role connection.Role, mem []byte, ch *notify.Channel) error {
	if role != connection.Requesting {
		return fmt.Errorf("%w: front on %s side", ErrWrongRole, role)
	}
	if f.current() != nil {
		return errors.New("channel: front already attached")
	}
	r, err := ring.NewFront[Req, Rsp](mem, f.capacity, ringOptions(f.opts, ch)...)
	if err != nil {
		return err
	}
	f.life.Lock()
	f.mu.Lock()
	f.ring = r
	close(f.ready)
	f.mu.Unlock()
	f.life.Unlock()
	f.logger.Debug("front attached", zap.Uint32("capacity", f.capacity), zap.Uint32("port", uint32(ch.Port())))
	return nil
}

// Detach implements connection.Binding. Blocked calls return
// ring.ErrClosed.
func (f *Front[Req, Rsp]) Detach() {
	f.mu.Lock()
	r := f.ring
	f.mu.Unlock()
	if r == nil {
		return
	}
	r.Close()

	f.life.Lock()
	f.mu.Lock()
	f.ring = nil
	f.ready = make(chan struct{})
	f.mu.Unlock()
	f.life.Unlock()
	f.logger.Debug("front detached")
}

// Ready returns a channel closed while a page is attached.
func (f *Front[Req, Rsp]) Ready() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// WaitReady blocks until a page is attached or ctx is done.
func (f *Front[Req, Rsp]) WaitReady(ctx context.Context) error {
	select {
	case <-f.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Front[Req, Rsp]) current() *ring.Front[Req, Rsp] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ring
}

// Send pushes req, waiting for a free slot. The peer is notified only when
// it had drained the ring.
func (f *Front[Req, Rsp]) Send(ctx context.Context, req Req) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	f.life.RLock()
	defer f.life.RUnlock()
	r := f.current()
	if r == nil {
		return ErrNotConnected
	}
	_, err := r.Requests.Push(ctx, req)
	return err
}

// Receive returns the next response.
func (f *Front[Req, Rsp]) Receive(ctx context.Context) (Rsp, error) {
	f.recvMu.Lock()
	defer f.recvMu.Unlock()
	f.life.RLock()
	defer f.life.RUnlock()
	r := f.current()
	if r == nil {
		var zero Rsp
		return zero, ErrNotConnected
	}
	return r.Responses.Pop(ctx)
}

// Call sends req and waits for its response. Calls are serialized with
// each other but not with Send and Receive.
func (f *Front[Req, Rsp]) Call(ctx context.Context, req Req) (Rsp, error) {
	f.callMu.Lock()
	defer f.callMu.Unlock()
	if err := f.Send(ctx, req); err != nil {
		var zero Rsp
		return zero, err
	}
	return f.Receive(ctx)
}

// State returns a snapshot of the ring indices.
func (f *Front[Req, Rsp]) State() (ring.RingState, error) {
	f.life.RLock()
	defer f.life.RUnlock()
	r := f.current()
	if r == nil {
		return ring.RingState{}, ErrNotConnected
	}
	return r.Shared().DebugState(), nil
}

// Handler computes the response to one request. It runs on the back end's
// serve goroutine, never in notification context.
type Handler[Req, Rsp any] func(ctx context.Context, req Req) Rsp

// Back is the offering end. On attach it starts a serve loop that drains
// requests whenever the doorbell rings and pushes one response per request.
type Back[Req, Rsp any] struct {
	handler Handler[Req, Rsp]
	opts    options
	logger  *zap.Logger
	served  atomic.Uint64

	mu     sync.Mutex
	ring   *ring.Back[Req, Rsp]
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var _ connection.Binding = (*Back[uint32, uint32])(nil)

// NewBack returns a back end answering with handler.
func NewBack[Req, Rsp any](handler Handler[Req, Rsp], opts ...Option) (*Back[Req, Rsp], error) {
	if _, err := ring.RecordLayout[Req, Rsp](1); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Back[Req, Rsp]{
		handler: handler,
		opts:    o,
		logger:  o.logger.Named("channel.back"),
	}, nil
}

// Attach implements connection.Binding.
func (b *Back[Req, Rsp]) Attach(role connection.Role, mem []byte, ch *notify.Channel) error {
	if role != connection.Offering {
		return fmt.Errorf("%w: back on %s side", ErrWrongRole, role)
	}
	r, err := ring.AttachBack[Req, Rsp](mem, ringOptions(b.opts, ch)...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	b.ring, b.cancel, b.done, b.err = r, cancel, done, nil
	b.mu.Unlock()

	go func() {
		defer close(done)
		err := b.serve(ctx, r)
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
	}()
	b.logger.Debug("back attached", zap.Uint32("capacity", r.Shared().Geometry().Capacity), zap.Uint32("port", uint32(ch.Port())))
	return nil
}

// Detach implements connection.Binding. It stops the serve loop and marks
// the ring closed.
func (b *Back[Req, Rsp]) Detach() {
	b.mu.Lock()
	r, cancel, done := b.ring, b.cancel, b.done
	b.ring, b.cancel, b.done = nil, nil, nil
	b.mu.Unlock()
	if r == nil {
		return
	}
	cancel()
	<-done
	r.Close()
	b.logger.Debug("back detached", zap.Uint64("served", b.served.Load()))
}

// Served returns the number of requests answered so far.
func (b *Back[Req, Rsp]) Served() uint64 { return b.served.Load() }

// Err returns why the last serve loop stopped, if it stopped on its own.
func (b *Back[Req, Rsp]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Back[Req, Rsp]) serve(ctx context.Context, r *ring.Back[Req, Rsp]) error {
	for {
		req, err := r.Requests.Pop(ctx)
		if err != nil {
			return b.stopped(err)
		}
		rsp := b.handler(ctx, req)
		if _, err := r.Responses.Push(ctx, rsp); err != nil {
			return b.stopped(err)
		}
		b.served.Add(1)
	}
}

func (b *Back[Req, Rsp]) stopped(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, ring.ErrClosed):
		b.logger.Debug("peer closed the ring")
		return nil
	default:
		b.logger.Warn("serve loop stopped", zap.Error(err))
		return err
	}
}
