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

// Package notify implements the coalescing doorbell between two domains.
//
// A signal carries no payload. Several signals sent before the receiving
// side runs its handler collapse into one handler invocation; the handler's
// only job is to make the owner re-poll its rings.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/logging"
)

// Port is a local event-channel port number.
type Port uint32

// Handler is invoked in the dispatcher goroutine when a bound port fires.
// It must not block.
type Handler func(Port)

var (
	// ErrPortClosed is returned when signalling or binding a closed port.
	ErrPortClosed = errors.New("event channel port closed")
	// ErrNotBound is returned when unbinding a port with no handler.
	ErrNotBound = errors.New("event channel port not bound")
)

// Hypercalls is the event-channel part of the privileged interface.
type Hypercalls interface {
	// AllocUnbound allocates a local port that remote may bind to.
	AllocUnbound(remote grant.DomainID) (Port, error)
	// BindInterdomain binds a new local port to remotePort in remote.
	BindInterdomain(remote grant.DomainID, remotePort Port) (Port, error)
	// Send signals the peer of local.
	Send(local Port) error
	// ClosePort releases local and detaches it from its peer.
	ClosePort(local Port) error
}

// Binder attaches handlers to local ports.
type Binder interface {
	Bind(port Port, h Handler) error
	Unbind(port Port) error
}

// Channel is one end of an interdomain event channel. Its Signal and Wait
// methods satisfy the ring package's Signaler and Waiter.
type Channel struct {
	hc      Hypercalls
	binder  Binder
	remote  grant.DomainID
	port    Port
	event   Event
	handler Handler
	logger  *zap.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithHandler installs h to run after each coalesced notification.
func WithHandler(h Handler) Option {
	return func(c *Channel) { c.handler = h }
}

func newChannel(hc Hypercalls, b Binder, remote grant.DomainID, opts []Option) *Channel {
	c := &Channel{hc: hc, binder: b, remote: remote}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("notify")
	return c
}

// Offer allocates an unbound port for remote to bind to and binds the local
// handler. It is used by the requesting side, which publishes Port().
func Offer(hc Hypercalls, b Binder, remote grant.DomainID, opts ...Option) (*Channel, error) {
	c := newChannel(hc, b, remote, opts)
	port, err := hc.AllocUnbound(remote)
	if err != nil {
		return nil, fmt.Errorf("alloc unbound port for domain %d: %w", remote, err)
	}
	c.port = port
	if err := c.bind(); err != nil {
		_ = hc.ClosePort(port)
		return nil, err
	}
	c.logger.Debug("offered event channel", zap.Uint32("port", uint32(port)), zap.Uint16("remote", uint16(remote)))
	return c, nil
}

// Connect binds a local port to remotePort in remote. It is used by the
// offering side after reading the peer's published port.
func Connect(hc Hypercalls, b Binder, remote grant.DomainID, remotePort Port, opts ...Option) (*Channel, error) {
	c := newChannel(hc, b, remote, opts)
	port, err := hc.BindInterdomain(remote, remotePort)
	if err != nil {
		return nil, fmt.Errorf("bind to port %d of domain %d: %w", remotePort, remote, err)
	}
	c.port = port
	if err := c.bind(); err != nil {
		_ = hc.ClosePort(port)
		return nil, err
	}
	c.logger.Debug("connected event channel",
		zap.Uint32("port", uint32(port)),
		zap.Uint16("remote", uint16(remote)),
		zap.Uint32("remote_port", uint32(remotePort)))
	return c, nil
}

func (c *Channel) bind() error {
	h := c.handler
	return c.binder.Bind(c.port, func(p Port) {
		c.event.Fire()
		if h != nil {
			h(p)
		}
	})
}

// Port returns the local port number.
func (c *Channel) Port() Port { return c.port }

// Remote returns the peer domain.
func (c *Channel) Remote() grant.DomainID { return c.remote }

// Signal rings the peer's doorbell. Failures are logged and otherwise
// ignored: a peer that has gone away has nothing left to drain.
func (c *Channel) Signal() {
	if err := c.hc.Send(c.port); err != nil {
		c.logger.Debug("signal dropped", zap.Uint32("port", uint32(c.port)), zap.Error(err))
	}
}

// Seq returns the number of notifications received so far.
func (c *Channel) Seq() uint32 { return c.event.Seq() }

// Wait blocks until a notification arrives after seen, or ctx is done.
func (c *Channel) Wait(ctx context.Context, seen uint32) error {
	return c.event.Wait(ctx, seen)
}

// Close unbinds the handler and releases the port. Waiters are woken.
func (c *Channel) Close() error {
	var errs []error
	if err := c.binder.Unbind(c.port); err != nil && !errors.Is(err, ErrNotBound) {
		errs = append(errs, err)
	}
	if err := c.hc.ClosePort(c.port); err != nil && !errors.Is(err, ErrPortClosed) {
		errs = append(errs, err)
	}
	c.event.Fire()
	return errors.Join(errs...)
}
