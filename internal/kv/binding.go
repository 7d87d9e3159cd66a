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

package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/connection"
	"github.com/SilentAlice/pvchan/internal/exchange"
	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/transport/notify"
	"github.com/SilentAlice/pvchan/internal/transport/ring"
)

func streamOptions(o options, ch *notify.Channel) []ring.Option {
	return []ring.Option{ring.WithSignaler(ch), ring.WithWaiter(ch), ring.WithMetrics(o.metrics)}
}

// ClientBinding formats a byte-stream ring on the requesting side's page
// and hands out a Client for it.
type ClientBinding struct {
	capacity uint32
	opts     []Option
	o        options

	mu     sync.Mutex
	stream *ring.StreamFront
	client *Client
	ready  chan struct{}
}

var _ connection.Binding = (*ClientBinding)(nil)

// NewClientBinding returns a binding whose stream holds capacity bytes per
// direction.
func NewClientBinding(capacity uint32, opts ...Option) (*ClientBinding, error) {
	geo, err := ring.StreamLayout(capacity)
	if err != nil {
		return nil, err
	}
	if geo.Size > grant.PageSize {
		return nil, fmt.Errorf("kv: a %d byte stream does not fit a page", capacity)
	}
	return &ClientBinding{
		capacity: capacity,
		opts:     opts,
		o:        buildOptions(opts),
		ready:    make(chan struct{}),
	}, nil
}

// Attach implements connection.Binding.
func (b *ClientBinding) Attach(role connection.Role, mem []byte, ch *notify.Channel) error {
	if role != connection.Requesting {
		return fmt.Errorf("kv: client bound on the %s side", role)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream != nil {
		return errors.New("kv: client already attached")
	}
	s, err := ring.NewStreamFront(mem, b.capacity, streamOptions(b.o, ch)...)
	if err != nil {
		return err
	}
	b.stream = s
	b.client = NewClient(s, b.opts...)
	close(b.ready)
	return nil
}

// Detach implements connection.Binding. A request in flight fails with
// ring.ErrClosed, and the detached client answers ErrNotConnected from then
// on, so the page can be released once Detach returns.
func (b *ClientBinding) Detach() {
	b.mu.Lock()
	s, c := b.stream, b.client
	if s == nil {
		b.mu.Unlock()
		return
	}
	b.stream, b.client = nil, nil
	b.ready = make(chan struct{})
	b.mu.Unlock()

	s.Close()
	c.detach()
}

// Client returns the client for the attached page.
func (b *ClientBinding) Client() (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

// WaitClient blocks until a page is attached and returns its client.
func (b *ClientBinding) WaitClient(ctx context.Context) (*Client, error) {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	select {
	case <-ready:
		return b.Client()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResponderBinding attaches to the peer's byte-stream ring on the offering
// side and runs a Responder on it until detached.
type ResponderBinding struct {
	store  exchange.Store
	opts   []Option
	o      options
	logger *zap.Logger

	mu     sync.Mutex
	stream *ring.StreamBack
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var _ connection.Binding = (*ResponderBinding)(nil)

// NewResponderBinding returns a binding answering from store.
func NewResponderBinding(store exchange.Store, opts ...Option) *ResponderBinding {
	o := buildOptions(opts)
	return &ResponderBinding{
		store:  store,
		opts:   opts,
		o:      o,
		logger: o.logger.Named("kv.binding"),
	}
}

// Attach implements connection.Binding.
func (b *ResponderBinding) Attach(role connection.Role, mem []byte, ch *notify.Channel) error {
	if role != connection.Offering {
		return fmt.Errorf("kv: responder bound on the %s side", role)
	}
	s, err := ring.AttachStreamBack(mem, streamOptions(b.o, ch)...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.stream, b.cancel, b.done, b.err = s, cancel, done, nil
	b.mu.Unlock()

	r := NewResponder(s, b.store, b.opts...)
	go func() {
		defer close(done)
		err := r.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			b.logger.Warn("responder stopped", zap.Error(err))
		}
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
	}()
	return nil
}

// Detach implements connection.Binding.
func (b *ResponderBinding) Detach() {
	b.mu.Lock()
	s, cancel, done := b.stream, b.cancel, b.done
	b.stream, b.cancel, b.done = nil, nil, nil
	b.mu.Unlock()
	if s == nil {
		return
	}
	cancel()
	<-done
	s.Close()
}

// Err returns why the last responder stopped on its own, if it did.
func (b *ResponderBinding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
