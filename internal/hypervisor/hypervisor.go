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

// Package hypervisor is an in-process privileged interface. It keeps one
// grant table, one foreign-map table and one event-channel table shared by
// all domains, and hands each domain a Domain that implements the
// hypercalls that domain may issue.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/logging"
	"github.com/SilentAlice/pvchan/internal/metrics"
	"github.com/SilentAlice/pvchan/internal/transport/notify"
)

// FirstRef is the first grant reference handed out. Lower references are
// reserved.
const FirstRef grant.Ref = 8

var (
	// ErrGrantTableFull is returned when a domain has reached its grant
	// quota.
	ErrGrantTableFull = errors.New("grant table full")
	// ErrMapLimit is returned when a domain has reached its mapping limit.
	ErrMapLimit = errors.New("foreign mapping limit reached")
	// ErrBadHandle is returned when unmapping an unknown handle.
	ErrBadHandle = errors.New("unknown map handle")
	// ErrBadPort is returned when binding to a port that is not offered to
	// the caller.
	ErrBadPort = errors.New("remote port not offered to this domain")
	// ErrAlreadyBound is returned when binding a port that has a handler.
	ErrAlreadyBound = errors.New("port already bound")
)

type grantKey struct {
	owner grant.DomainID
	ref   grant.Ref
}

type grantRecord struct {
	peer grant.DomainID
	page *grant.Page
	mode grant.AccessMode
	maps int
}

type mapKey struct {
	mapper grant.DomainID
	handle grant.Handle
}

type mapRecord struct {
	grant grantKey
	unmap func() error
}

type portKey struct {
	domain grant.DomainID
	port   notify.Port
}

type portState uint8

const (
	portUnbound portState = iota
	portInterdomain
)

type eventPort struct {
	state      portState
	remoteDom  grant.DomainID
	remotePort notify.Port
	bell       *notify.Doorbell
	stop       context.CancelFunc
}

// Hypervisor holds the shared tables.
type Hypervisor struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	quota    int
	mapLimit int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	grants     map[grantKey]*grantRecord
	nextRef    map[grant.DomainID]grant.Ref
	maps       map[mapKey]*mapRecord
	mapCount   map[grant.DomainID]int
	nextHandle map[grant.DomainID]grant.Handle
	ports      map[portKey]*eventPort
	nextPort   map[grant.DomainID]notify.Port
}

// Option configures a Hypervisor.
type Option func(*Hypervisor)

// WithLogger sets the hypervisor logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hypervisor) { h.logger = l }
}

// WithMetrics records handler dispatches in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hypervisor) { h.metrics = m }
}

// WithGrantQuota limits the number of live grants per domain. Zero means
// unlimited.
func WithGrantQuota(n int) Option {
	return func(h *Hypervisor) { h.quota = n }
}

// WithMapLimit limits the number of foreign mappings per domain. Zero means
// unlimited.
func WithMapLimit(n int) Option {
	return func(h *Hypervisor) { h.mapLimit = n }
}

// New returns an empty hypervisor. Close stops its dispatchers.
func New(opts ...Option) *Hypervisor {
	ctx, cancel := context.WithCancel(context.Background())
	hv := &Hypervisor{
		ctx:        ctx,
		cancel:     cancel,
		grants:     make(map[grantKey]*grantRecord),
		nextRef:    make(map[grant.DomainID]grant.Ref),
		maps:       make(map[mapKey]*mapRecord),
		mapCount:   make(map[grant.DomainID]int),
		nextHandle: make(map[grant.DomainID]grant.Handle),
		ports:      make(map[portKey]*eventPort),
		nextPort:   make(map[grant.DomainID]notify.Port),
	}
	for _, opt := range opts {
		opt(hv)
	}
	hv.logger = logging.OrNop(hv.logger).Named("hypervisor")
	return hv
}

// Domain returns the hypercall interface for domain id.
func (hv *Hypervisor) Domain(id grant.DomainID) *Domain {
	return &Domain{hv: hv, id: id}
}

// Close stops every handler dispatcher and waits for them to exit.
func (hv *Hypervisor) Close() {
	hv.cancel()
	hv.wg.Wait()
}

// MapCount returns the number of live foreign mappings of ref granted by
// owner.
func (hv *Hypervisor) MapCount(owner grant.DomainID, ref grant.Ref) int {
	hv.mu.Lock()
	defer hv.mu.Unlock()
	if rec, ok := hv.grants[grantKey{owner, ref}]; ok {
		return rec.maps
	}
	return 0
}

// Domain issues hypercalls on behalf of one domain. It implements
// grant.Hypercalls, notify.Hypercalls and notify.Binder.
type Domain struct {
	hv *Hypervisor
	id grant.DomainID
}

var (
	_ grant.Hypercalls  = (*Domain)(nil)
	_ notify.Hypercalls = (*Domain)(nil)
	_ notify.Binder     = (*Domain)(nil)
)

// ID returns the domain id.
func (d *Domain) ID() grant.DomainID { return d.id }

// GrantAccess implements grant.Hypercalls.
func (d *Domain) GrantAccess(peer grant.DomainID, page *grant.Page, mode grant.AccessMode) (grant.Ref, error) {
	if page == nil {
		return 0, fmt.Errorf("grant access: nil page")
	}
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	if hv.quota > 0 && hv.liveGrantsLocked(d.id) >= hv.quota {
		return 0, ErrGrantTableFull
	}
	ref, ok := hv.nextRef[d.id]
	if !ok {
		ref = FirstRef
	}
	hv.nextRef[d.id] = ref + 1
	hv.grants[grantKey{d.id, ref}] = &grantRecord{peer: peer, page: page, mode: mode}
	return ref, nil
}

func (hv *Hypervisor) liveGrantsLocked(owner grant.DomainID) int {
	n := 0
	for k := range hv.grants {
		if k.owner == owner {
			n++
		}
	}
	return n
}

// QueryForeignAccess implements grant.Hypercalls.
func (d *Domain) QueryForeignAccess(ref grant.Ref) (bool, error) {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()
	rec, ok := hv.grants[grantKey{d.id, ref}]
	if !ok {
		return false, fmt.Errorf("query ref %d: %w", ref, grant.ErrGrantInvalid)
	}
	return rec.maps > 0, nil
}

// EndForeignAccess implements grant.Hypercalls.
func (d *Domain) EndForeignAccess(ref grant.Ref) error {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()
	key := grantKey{d.id, ref}
	rec, ok := hv.grants[key]
	if !ok {
		return fmt.Errorf("end access to ref %d: %w", ref, grant.ErrGrantInvalid)
	}
	if rec.maps > 0 {
		return grant.ErrStillMapped
	}
	delete(hv.grants, key)
	return nil
}

// MapGrantRef implements grant.Hypercalls. The returned slice is a separate
// mapping of the owner's page.
func (d *Domain) MapGrantRef(owner grant.DomainID, ref grant.Ref, mode grant.AccessMode) (grant.Handle, []byte, error) {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	key := grantKey{owner, ref}
	rec, ok := hv.grants[key]
	switch {
	case !ok:
		return 0, nil, fmt.Errorf("ref %d not in table of domain %d: %w", ref, owner, grant.ErrGrantInvalid)
	case rec.peer != d.id:
		return 0, nil, fmt.Errorf("ref %d granted to domain %d, not %d: %w", ref, rec.peer, d.id, grant.ErrGrantInvalid)
	case rec.mode == grant.ReadOnly && mode == grant.ReadWrite:
		return 0, nil, fmt.Errorf("ref %d is read-only: %w", ref, grant.ErrGrantInvalid)
	}
	if hv.mapLimit > 0 && hv.mapCount[d.id] >= hv.mapLimit {
		return 0, nil, ErrMapLimit
	}

	mem, unmap, err := rec.page.MapAlias(mode)
	if err != nil {
		return 0, nil, err
	}
	h := hv.nextHandle[d.id] + 1
	hv.nextHandle[d.id] = h
	hv.maps[mapKey{d.id, h}] = &mapRecord{grant: key, unmap: unmap}
	hv.mapCount[d.id]++
	rec.maps++
	return h, mem, nil
}

// UnmapGrantRef implements grant.Hypercalls.
func (d *Domain) UnmapGrantRef(h grant.Handle) error {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	key := mapKey{d.id, h}
	m, ok := hv.maps[key]
	if !ok {
		return ErrBadHandle
	}
	if err := m.unmap(); err != nil {
		return err
	}
	delete(hv.maps, key)
	hv.mapCount[d.id]--
	if rec, ok := hv.grants[m.grant]; ok {
		rec.maps--
	}
	return nil
}

// AllocUnbound implements notify.Hypercalls.
func (d *Domain) AllocUnbound(remote grant.DomainID) (notify.Port, error) {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()
	p := hv.allocPortLocked(d.id, &eventPort{state: portUnbound, remoteDom: remote})
	hv.logger.Debug("alloc unbound", zap.Uint16("domain", uint16(d.id)), zap.Uint32("port", uint32(p)))
	return p, nil
}

func (hv *Hypervisor) allocPortLocked(dom grant.DomainID, ep *eventPort) notify.Port {
	p := hv.nextPort[dom] + 1
	hv.nextPort[dom] = p
	ep.bell = notify.NewDoorbell()
	hv.ports[portKey{dom, p}] = ep
	return p
}

// BindInterdomain implements notify.Hypercalls.
func (d *Domain) BindInterdomain(remote grant.DomainID, remotePort notify.Port) (notify.Port, error) {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	rp, ok := hv.ports[portKey{remote, remotePort}]
	if !ok || rp.state != portUnbound || rp.remoteDom != d.id {
		return 0, fmt.Errorf("port %d of domain %d: %w", remotePort, remote, ErrBadPort)
	}
	p := hv.allocPortLocked(d.id, &eventPort{state: portInterdomain, remoteDom: remote, remotePort: remotePort})
	rp.state = portInterdomain
	rp.remotePort = p
	hv.logger.Debug("bind interdomain",
		zap.Uint16("domain", uint16(d.id)), zap.Uint32("port", uint32(p)),
		zap.Uint16("remote", uint16(remote)), zap.Uint32("remote_port", uint32(remotePort)))
	return p, nil
}

// Send implements notify.Hypercalls. Signals on a port whose peer has not
// bound yet, or has gone away, are dropped.
func (d *Domain) Send(local notify.Port) error {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	lp, ok := hv.ports[portKey{d.id, local}]
	if !ok {
		return notify.ErrPortClosed
	}
	if lp.state != portInterdomain {
		return nil
	}
	if rp, ok := hv.ports[portKey{lp.remoteDom, lp.remotePort}]; ok {
		rp.bell.Ring()
	}
	return nil
}

// ClosePort implements notify.Hypercalls. A connected peer port reverts to
// unbound.
func (d *Domain) ClosePort(local notify.Port) error {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	key := portKey{d.id, local}
	lp, ok := hv.ports[key]
	if !ok {
		return notify.ErrPortClosed
	}
	if lp.stop != nil {
		lp.stop()
	}
	if lp.state == portInterdomain {
		if rp, ok := hv.ports[portKey{lp.remoteDom, lp.remotePort}]; ok {
			rp.state = portUnbound
			rp.remotePort = 0
			rp.bell.Ring()
		}
	}
	delete(hv.ports, key)
	return nil
}

// Bind implements notify.Binder. Signals that arrived before Bind are
// delivered once the handler is installed.
func (d *Domain) Bind(port notify.Port, h notify.Handler) error {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	ep, ok := hv.ports[portKey{d.id, port}]
	if !ok {
		return notify.ErrPortClosed
	}
	if ep.stop != nil {
		return ErrAlreadyBound
	}
	ctx, cancel := context.WithCancel(hv.ctx)
	ep.stop = cancel
	domain := strconv.Itoa(int(d.id))
	hv.wg.Add(1)
	go func() {
		defer hv.wg.Done()
		ep.bell.Serve(ctx, port, func(p notify.Port) {
			hv.metrics.HandlerRan(domain)
			h(p)
		})
	}()
	return nil
}

// Unbind implements notify.Binder.
func (d *Domain) Unbind(port notify.Port) error {
	hv := d.hv
	hv.mu.Lock()
	defer hv.mu.Unlock()

	ep, ok := hv.ports[portKey{d.id, port}]
	if !ok || ep.stop == nil {
		return notify.ErrNotBound
	}
	ep.stop()
	ep.stop = nil
	return nil
}
