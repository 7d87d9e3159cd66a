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

package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/logging"
	"github.com/SilentAlice/pvchan/internal/metrics"
)

var (
	// ErrUnexpectedPeerState is wrapped by every TransitionError.
	ErrUnexpectedPeerState = errors.New("connection: unexpected peer state")
	// ErrInvalidEvent is returned when a local event does not apply to the
	// current state.
	ErrInvalidEvent = errors.New("connection: event not valid in current state")
	// ErrFaulted is returned by a machine that has faulted.
	ErrFaulted = errors.New("connection: machine faulted")
)

// maxSteps bounds the edges walked for one observation. No target is more
// than two edges away.
const maxSteps = 4

// TransitionError reports a peer announcement the machine rejected.
type TransitionError struct {
	Role  Role
	Local State
	Peer  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("connection: %s side in %s cannot follow peer %s", e.Role, e.Local, e.Peer)
}

func (e *TransitionError) Unwrap() error { return ErrUnexpectedPeerState }

// Actions are the side effects a Machine drives.
type Actions interface {
	// Connect brings the shared page and event channel up.
	Connect(ctx context.Context) error
	// Disconnect tears them down. It must tolerate partial setup.
	Disconnect(ctx context.Context) error
	// Announce publishes the local state to the peer.
	Announce(ctx context.Context, s State) error
}

// Option configures a Machine or an Endpoint.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	metrics       *metrics.Metrics
	binding       Binding
	revokeTimeout time.Duration
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records transitions and faults.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBinding attaches b to the shared page on every connect.
func WithBinding(b Binding) Option {
	return func(o *options) { o.binding = b }
}

// WithRevokeTimeout bounds how long a requesting endpoint waits for the
// peer to unmap before giving up a teardown.
func WithRevokeTimeout(d time.Duration) Option {
	return func(o *options) { o.revokeTimeout = d }
}

func buildOptions(opts []Option) options {
	o := options{revokeTimeout: DefaultRevokeTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger)
	return o
}

// Machine is one side of the connection negotiation. Observe, Start and
// Shutdown are serialized; State and Wait may be called at any time.
type Machine struct {
	role    Role
	actions Actions
	logger  *zap.Logger
	metrics *metrics.Metrics

	// op serializes transitions and the actions they run.
	op sync.Mutex

	mu      sync.Mutex
	local   State
	peer    State
	fault   error
	changed chan struct{}
}

// NewMachine returns a machine in Unknown.
func NewMachine(role Role, actions Actions, opts ...Option) *Machine {
	o := buildOptions(opts)
	return &Machine{
		role:    role,
		actions: actions,
		logger:  o.logger.Named("connection").With(zap.Stringer("role", role)),
		metrics: o.metrics,
		changed: make(chan struct{}),
	}
}

// Role returns the machine's role.
func (m *Machine) Role() Role { return m.role }

// State returns the local state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Peer returns the last peer state observed.
func (m *Machine) Peer() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Err returns the fault that stopped the machine, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

// Wait blocks until the local state is want, the machine faults, or ctx is
// done.
func (m *Machine) Wait(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		local, fault, changed := m.local, m.fault, m.changed
		m.mu.Unlock()
		if local == want {
			return nil
		}
		if fault != nil {
			return fault
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s in %s: %w", want, local, ctx.Err())
		case <-changed:
		}
	}
}

// Start moves a fresh or closed machine to Initialising.
func (m *Machine) Start(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	if err := m.Err(); err != nil {
		return err
	}
	local := m.State()
	if local != Unknown && local != Closed {
		return fmt.Errorf("%w: start in %s", ErrInvalidEvent, local)
	}
	return m.driveLocked(ctx, Initialising)
}

// Shutdown begins an orderly close. A connected offering side disconnects
// at once; a connected requesting side announces Closing and disconnects
// when the peer follows. Machines not yet connected close directly.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	if err := m.Err(); err != nil {
		return err
	}
	switch local := m.State(); local {
	case Connected:
		return m.driveLocked(ctx, Closing)
	case Initialising, InitWait:
		return m.driveLocked(ctx, Closed)
	case Closing, Closed:
		return nil
	default:
		return fmt.Errorf("%w: shutdown in %s", ErrInvalidEvent, local)
	}
}

// Observe feeds the peer's latest announced state to the machine. It is
// idempotent: repeating an observation does nothing. A rejected observation
// faults the machine and is returned as a *TransitionError.
func (m *Machine) Observe(ctx context.Context, peer State) error {
	m.op.Lock()
	defer m.op.Unlock()
	if err := m.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.peer = peer
	local := m.local
	m.mu.Unlock()

	target, outcome := Lookup(m.role, local, peer)
	m.logger.Debug("peer state observed",
		zap.Stringer("local", local),
		zap.Stringer("peer", peer),
		zap.Stringer("outcome", outcome),
		zap.Stringer("target", target))

	switch outcome {
	case Rejected:
		return m.faultLocked(ctx, &TransitionError{Role: m.role, Local: local, Peer: peer})
	case Ignored:
		return nil
	}
	return m.driveLocked(ctx, target)
}

// Fault stops the machine with cause, forcing it to Closing.
func (m *Machine) Fault(ctx context.Context, cause error) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.faultLocked(ctx, cause)
}

// driveLocked walks the step table from the local state to target, running
// each edge's action and announcing every state entered.
func (m *Machine) driveLocked(ctx context.Context, target State) error {
	for i := 0; ; i++ {
		local := m.State()
		if local == target {
			return nil
		}
		st, ok := nextStep(m.role, local, target)
		if !ok || i == maxSteps {
			return m.faultLocked(ctx, fmt.Errorf("connection: no %s path from %s to %s", m.role, local, target))
		}

		switch st.act {
		case actConnect:
			if err := m.actions.Connect(ctx); err != nil {
				return m.faultLocked(ctx, fmt.Errorf("connect: %w", err))
			}
		case actDisconnect:
			if err := m.actions.Disconnect(ctx); err != nil {
				return m.faultLocked(ctx, fmt.Errorf("disconnect: %w", err))
			}
		}

		m.setLocal(st.next)
		m.metrics.Transition(m.role.String(), local.String(), st.next.String())
		m.logger.Info("state changed",
			zap.Stringer("from", local),
			zap.Stringer("to", st.next),
			zap.Stringer("action", st.act))
		if err := m.actions.Announce(ctx, st.next); err != nil {
			// The peer may never learn st.next, so the sequence is lost.
			return m.faultLocked(ctx, fmt.Errorf("announce %s: %w", st.next, err))
		}
	}
}

// faultLocked records cause, disconnects a connected side, and announces
// Closing once. A closed machine stays Closed. Later calls return the first
// fault.
func (m *Machine) faultLocked(ctx context.Context, cause error) error {
	m.mu.Lock()
	if m.fault != nil {
		err := m.fault
		m.mu.Unlock()
		return err
	}
	local := m.local
	m.mu.Unlock()

	m.metrics.Fault(m.role.String())
	m.logger.Error("connection fault", zap.Stringer("local", local), zap.Error(cause))

	if local == Connected {
		if err := m.actions.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect after fault failed", zap.Error(err))
		}
	}
	if local != Closing && local != Closed {
		m.setLocal(Closing)
		m.metrics.Transition(m.role.String(), local.String(), Closing.String())
		if err := m.actions.Announce(ctx, Closing); err != nil {
			m.logger.Warn("announcing Closing after fault failed", zap.Error(err))
		}
	}

	err := fmt.Errorf("%w: %w", ErrFaulted, cause)
	m.mu.Lock()
	m.fault = err
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	return err
}

func (m *Machine) setLocal(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = s
	close(m.changed)
	m.changed = make(chan struct{})
}
