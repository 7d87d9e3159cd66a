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
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/exchange"
	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/transport/notify"
)

// DefaultRevokeTimeout bounds a requesting endpoint's wait for the peer to
// unmap during teardown.
const DefaultRevokeTimeout = 5 * time.Second

// Keys an endpoint publishes below its directory.
const (
	KeyState        = "state"
	KeyRingRef      = "ring-ref"
	KeyEventChannel = "event-channel"
	KeyBackend      = "backend"
	KeyBackendID    = "backend-id"
	KeyFrontend     = "frontend"
	KeyFrontendID   = "frontend-id"
)

// ErrBadAdvertisement is returned when the peer published an unusable
// ring-ref or event-channel.
var ErrBadAdvertisement = errors.New("connection: bad advertisement")

// Device names one channel between a host and a guest.
type Device struct {
	Type  string
	ID    int
	Host  grant.DomainID
	Guest grant.DomainID
}

// GuestDir is the requesting side's directory in the exchange.
func (d Device) GuestDir() string {
	return exchange.Join("local", "domain", itoa(d.Guest), "device", d.Type, strconv.Itoa(d.ID))
}

// HostDir is the offering side's directory in the exchange.
func (d Device) HostDir() string {
	return exchange.Join("local", "domain", itoa(d.Host), "backend", d.Type, itoa(d.Guest), strconv.Itoa(d.ID))
}

func itoa(d grant.DomainID) string { return strconv.FormatUint(uint64(d), 10) }

// Binding puts a transport on the shared page once the connection is up.
type Binding interface {
	// Attach is called during connect. The requesting side receives a
	// fresh page to format; the offering side receives the peer's page.
	Attach(role Role, mem []byte, ch *notify.Channel) error
	// Detach is called before the page is released. It must stop all use
	// of the page.
	Detach()
}

// Platform is the event-channel half of the privileged interface.
type Platform interface {
	notify.Hypercalls
	notify.Binder
}

// Endpoint is one domain's end of a channel. It owns the grant or mapping,
// the event channel and the Machine that sequences them.
type Endpoint struct {
	role          Role
	dev           Device
	self, peer    grant.DomainID
	localDir      string
	peerDir       string
	ledger        *grant.Ledger
	platform      Platform
	store         exchange.Store
	binding       Binding
	revokeTimeout time.Duration
	instance      uuid.UUID
	logger        *zap.Logger
	machine       *Machine

	mu       sync.Mutex
	entry    *grant.Entry
	mapped   *grant.MappedPage
	ch       *notify.Channel
	attached bool
}

// NewEndpoint returns an endpoint for dev playing role. The ledger must
// belong to the domain that plays role.
func NewEndpoint(role Role, dev Device, ledger *grant.Ledger, platform Platform, store exchange.Store, opts ...Option) (*Endpoint, error) {
	if dev.Type == "" {
		return nil, errors.New("connection: device type is empty")
	}
	if dev.Host == dev.Guest {
		return nil, fmt.Errorf("connection: host and guest are both domain %d", dev.Host)
	}
	e := &Endpoint{role: role, dev: dev, ledger: ledger, platform: platform, store: store, instance: uuid.New()}
	switch role {
	case Offering:
		e.self, e.peer = dev.Host, dev.Guest
		e.localDir, e.peerDir = dev.HostDir(), dev.GuestDir()
	case Requesting:
		e.self, e.peer = dev.Guest, dev.Host
		e.localDir, e.peerDir = dev.GuestDir(), dev.HostDir()
	default:
		return nil, fmt.Errorf("connection: unknown role %d", role)
	}
	if ledger.Domain() != e.self {
		return nil, fmt.Errorf("connection: %s side is domain %d but ledger belongs to %d", role, e.self, ledger.Domain())
	}

	o := buildOptions(opts)
	e.binding = o.binding
	e.revokeTimeout = o.revokeTimeout
	e.logger = o.logger.With(
		zap.String("instance", e.instance.String()),
		zap.Uint16("domain", uint16(e.self)),
		zap.String("dir", e.localDir))
	e.machine = NewMachine(role, endpointActions{e}, WithLogger(e.logger), WithMetrics(o.metrics))
	return e, nil
}

// Role returns the endpoint's role.
func (e *Endpoint) Role() Role { return e.role }

// Instance identifies this endpoint in logs.
func (e *Endpoint) Instance() uuid.UUID { return e.instance }

// LocalDir is the directory this endpoint announces into.
func (e *Endpoint) LocalDir() string { return e.localDir }

// PeerDir is the directory this endpoint watches.
func (e *Endpoint) PeerDir() string { return e.peerDir }

// Machine returns the endpoint's state machine.
func (e *Endpoint) Machine() *Machine { return e.machine }

// State returns the local connection state.
func (e *Endpoint) State() State { return e.machine.State() }

// WaitForState blocks until the local state is want.
func (e *Endpoint) WaitForState(ctx context.Context, want State) error {
	return e.machine.Wait(ctx, want)
}

// Channel returns the live event channel, or nil.
func (e *Endpoint) Channel() *notify.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Grant returns the live grant of a requesting endpoint, or nil.
func (e *Endpoint) Grant() *grant.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entry
}

// Mapping returns the live mapping of an offering endpoint, or nil.
func (e *Endpoint) Mapping() *grant.MappedPage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mapped
}

// Run publishes the device, starts the machine and follows the peer's state
// until ctx is done or the machine faults.
func (e *Endpoint) Run(ctx context.Context) error {
	if err := e.publishDevice(ctx); err != nil {
		return err
	}
	events, err := e.store.Watch(ctx, exchange.Join(e.peerDir, KeyState))
	if err != nil {
		return fmt.Errorf("watch peer state: %w", err)
	}
	if err := e.machine.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("endpoint running", zap.Stringer("role", e.role), zap.String("peer_dir", e.peerDir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			peer, err := e.peerState(ctx)
			if err != nil {
				return e.machine.Fault(ctx, err)
			}
			if err := e.machine.Observe(ctx, peer); err != nil {
				return err
			}
		}
	}
}

// Restart reconnects a closed endpoint while Run is active.
func (e *Endpoint) Restart(ctx context.Context) error {
	return e.machine.Start(ctx)
}

// Shutdown begins an orderly close; see Machine.Shutdown.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	return e.machine.Shutdown(ctx)
}

// Close releases whatever the endpoint still holds. A grant the peer still
// maps is kept and reported with grant.ErrStillMapped.
func (e *Endpoint) Close(ctx context.Context) error {
	return e.release(ctx)
}

func (e *Endpoint) publishDevice(ctx context.Context) error {
	var kvs [][2]string
	if e.role == Requesting {
		kvs = [][2]string{{KeyBackend, e.peerDir}, {KeyBackendID, itoa(e.peer)}}
	} else {
		kvs = [][2]string{{KeyFrontend, e.peerDir}, {KeyFrontendID, itoa(e.peer)}}
	}
	for _, kv := range kvs {
		if err := e.store.Set(ctx, exchange.Join(e.localDir, kv[0]), kv[1]); err != nil {
			return fmt.Errorf("publish %s: %w", kv[0], err)
		}
	}
	return nil
}

// peerState reads the peer's announced state. A missing key reads as
// Unknown.
func (e *Endpoint) peerState(ctx context.Context) (State, error) {
	v, err := e.store.Get(ctx, exchange.Join(e.peerDir, KeyState))
	if errors.Is(err, exchange.ErrNotFound) {
		return Unknown, nil
	}
	if err != nil {
		return Unknown, fmt.Errorf("read peer state: %w", err)
	}
	return ParseState(v)
}

func (e *Endpoint) announce(ctx context.Context, s State) error {
	return e.store.Set(ctx, exchange.Join(e.localDir, KeyState), s.Wire())
}

func (e *Endpoint) connect(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			if rerr := e.release(ctx); rerr != nil {
				e.logger.Warn("cleanup after failed connect", zap.Error(rerr))
			}
		}
	}()
	if e.role == Requesting {
		return e.connectRequesting(ctx)
	}
	return e.connectOffering(ctx)
}

// connectRequesting grants a fresh page, offers an event channel, attaches
// the binding and advertises both to the peer.
func (e *Endpoint) connectRequesting(ctx context.Context) error {
	page, err := grant.AllocPage()
	if err != nil {
		return fmt.Errorf("%w: %w", grant.ErrAllocationFailed, err)
	}
	entry, err := e.ledger.Grant(page, e.peer, grant.ReadWrite)
	if err != nil {
		_ = page.Free()
		return err
	}
	e.mu.Lock()
	e.entry = entry
	e.mu.Unlock()

	ch, err := notify.Offer(e.platform, e.platform, e.peer, notify.WithLogger(e.logger))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ch = ch
	e.mu.Unlock()

	if err := e.attach(page.Bytes(), ch); err != nil {
		return err
	}

	if err := e.store.Set(ctx, exchange.Join(e.localDir, KeyRingRef), strconv.FormatUint(uint64(entry.Ref), 10)); err != nil {
		return fmt.Errorf("publish ring-ref: %w", err)
	}
	if err := e.store.Set(ctx, exchange.Join(e.localDir, KeyEventChannel), strconv.FormatUint(uint64(ch.Port()), 10)); err != nil {
		return fmt.Errorf("publish event-channel: %w", err)
	}
	e.logger.Info("channel advertised",
		zap.Uint32("ring_ref", uint32(entry.Ref)),
		zap.Uint32("port", uint32(ch.Port())))
	return nil
}

// connectOffering maps the page and binds the event channel the peer
// advertised.
func (e *Endpoint) connectOffering(ctx context.Context) error {
	ref, err := e.readUint(ctx, KeyRingRef)
	if err != nil {
		return err
	}
	port, err := e.readUint(ctx, KeyEventChannel)
	if err != nil {
		return err
	}

	mapped, err := e.ledger.MapForeign(grant.Ref(ref), e.peer, grant.ReadWrite)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.mapped = mapped
	e.mu.Unlock()

	ch, err := notify.Connect(e.platform, e.platform, e.peer, notify.Port(port), notify.WithLogger(e.logger))
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ch = ch
	e.mu.Unlock()

	if err := e.attach(mapped.Bytes(), ch); err != nil {
		return err
	}
	e.logger.Info("channel mapped",
		zap.Uint32("ring_ref", uint32(ref)),
		zap.Uint32("handle", uint32(mapped.Handle)),
		zap.Uint32("port", uint32(ch.Port())))
	return nil
}

func (e *Endpoint) readUint(ctx context.Context, key string) (uint32, error) {
	v, err := e.store.Get(ctx, exchange.Join(e.peerDir, key))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrBadAdvertisement, key, err)
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadAdvertisement, key, v)
	}
	return uint32(n), nil
}

func (e *Endpoint) attach(mem []byte, ch *notify.Channel) error {
	if e.binding == nil {
		return nil
	}
	if err := e.binding.Attach(e.role, mem, ch); err != nil {
		return fmt.Errorf("attach binding: %w", err)
	}
	e.mu.Lock()
	e.attached = true
	e.mu.Unlock()
	return nil
}

// release detaches the binding, closes the event channel and gives back
// the page: the offering side unmaps, the requesting side revokes and
// reclaims. Each resource is forgotten once released, so release may be
// called again after a partial failure.
func (e *Endpoint) release(ctx context.Context) error {
	e.mu.Lock()
	attached := e.attached
	e.attached = false
	ch := e.ch
	e.ch = nil
	e.mu.Unlock()

	if attached {
		e.binding.Detach()
	}
	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event channel: %w", err))
		}
	}

	e.mu.Lock()
	mapped := e.mapped
	entry := e.entry
	e.mu.Unlock()

	if mapped != nil {
		if err := e.ledger.UnmapForeign(mapped); err != nil {
			errs = append(errs, err)
		} else {
			e.mu.Lock()
			e.mapped = nil
			e.mu.Unlock()
		}
	}

	if entry != nil {
		if err := e.revoke(ctx, entry); err != nil {
			errs = append(errs, err)
		} else {
			e.mu.Lock()
			e.entry = nil
			e.mu.Unlock()
		}
	}
	if e.role == Requesting {
		for _, key := range []string{KeyRingRef, KeyEventChannel} {
			err := e.store.Remove(ctx, exchange.Join(e.localDir, key))
			if err != nil && !errors.Is(err, exchange.ErrNotFound) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Endpoint) revoke(ctx context.Context, entry *grant.Entry) error {
	rctx, cancel := context.WithTimeout(ctx, e.revokeTimeout)
	defer cancel()
	if err := e.ledger.RevokeWait(rctx, entry); err != nil {
		e.logger.Warn("grant still mapped by peer, keeping page",
			zap.Uint32("ref", uint32(entry.Ref)), zap.Error(err))
		return err
	}
	if err := e.ledger.Reclaim(entry); err != nil {
		return fmt.Errorf("reclaim ref %d: %w", entry.Ref, err)
	}
	e.logger.Info("grant revoked and page reclaimed", zap.Uint32("ref", uint32(entry.Ref)))
	return nil
}

// endpointActions adapts an Endpoint to Actions without exporting them.
type endpointActions struct{ e *Endpoint }

func (a endpointActions) Connect(ctx context.Context) error { return a.e.connect(ctx) }

func (a endpointActions) Disconnect(ctx context.Context) error { return a.e.release(ctx) }

func (a endpointActions) Announce(ctx context.Context, s State) error { return a.e.announce(ctx, s) }
