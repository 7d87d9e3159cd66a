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

package grant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SilentAlice/pvchan/internal/logging"
	"github.com/SilentAlice/pvchan/internal/metrics"
)

// DefaultRevokeRetry is the pause between revoke attempts in RevokeWait.
const DefaultRevokeRetry = 10 * time.Millisecond

// Ledger records every grant a domain has made and every foreign page it
// has mapped.
type Ledger struct {
	self    DomainID
	hc      Hypercalls
	logger  *zap.Logger
	metrics *metrics.Metrics
	retry   time.Duration

	mu       sync.Mutex
	entries  map[Ref]*Entry
	mappings map[Handle]*MappedPage
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Ledger) { g.logger = l }
}

// WithMetrics records ledger operations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Ledger) { g.metrics = m }
}

// WithRevokeRetry sets the interval between revoke attempts in RevokeWait.
func WithRevokeRetry(d time.Duration) Option {
	return func(g *Ledger) { g.retry = d }
}

// NewLedger returns an empty ledger for domain self.
func NewLedger(self DomainID, hc Hypercalls, opts ...Option) *Ledger {
	g := &Ledger{
		self:     self,
		hc:       hc,
		retry:    DefaultRevokeRetry,
		entries:  make(map[Ref]*Entry),
		mappings: make(map[Handle]*MappedPage),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger).Named("grant").With(zap.Uint16("domain", uint16(self)))
	return g
}

// Domain returns the domain this ledger belongs to.
func (g *Ledger) Domain() DomainID { return g.self }

// Grant lets peer map page with the given access.
func (g *Ledger) Grant(page *Page, peer DomainID, mode AccessMode) (*Entry, error) {
	ref, err := g.hc.GrantAccess(peer, page, mode)
	g.metrics.GrantOp("grant", err)
	if err != nil {
		return nil, fmt.Errorf("%w: peer %d: %w", ErrAllocationFailed, peer, err)
	}

	e := &Entry{Ref: ref, Peer: peer, Mode: mode, page: page, status: Active}
	g.mu.Lock()
	g.entries[ref] = e
	g.mu.Unlock()
	g.updateGauges()

	g.logger.Debug("granted page", zap.Uint32("ref", uint32(ref)), zap.Uint16("peer", uint16(peer)), zap.Stringer("mode", mode))
	return e, nil
}

// Revoke ends the peer's access to e. While the peer still maps the page it
// returns ErrStillMapped and leaves the entry revoke-pending; the page is
// never released by a failed revoke. Revoking a revoked entry is a no-op.
func (g *Ledger) Revoke(e *Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e.status == Revoked {
		return nil
	}
	err := g.revokeLocked(e)
	g.metrics.GrantOp("revoke", err)
	return err
}

func (g *Ledger) revokeLocked(e *Entry) error {
	mapped, err := g.hc.QueryForeignAccess(e.Ref)
	if err != nil {
		return fmt.Errorf("query ref %d: %w", e.Ref, err)
	}
	if mapped {
		g.markPendingLocked(e)
		return fmt.Errorf("revoke ref %d: %w", e.Ref, ErrStillMapped)
	}
	if err := g.hc.EndForeignAccess(e.Ref); err != nil {
		// The peer may have mapped between query and end.
		if errors.Is(err, ErrStillMapped) {
			g.markPendingLocked(e)
		}
		return fmt.Errorf("revoke ref %d: %w", e.Ref, err)
	}
	e.status = Revoked
	g.logger.Debug("revoked grant", zap.Uint32("ref", uint32(e.Ref)))
	g.updateGaugesLocked()
	return nil
}

func (g *Ledger) markPendingLocked(e *Entry) {
	if e.status != RevokePending {
		g.logger.Info("revoke deferred, page still mapped by peer",
			zap.Uint32("ref", uint32(e.Ref)), zap.Uint16("peer", uint16(e.Peer)))
	}
	e.status = RevokePending
}

// RevokeWait retries Revoke at the ledger's retry interval until it
// succeeds, fails for another reason, or ctx is done. On ctx expiry the
// entry stays revoke-pending and the error wraps ErrStillMapped.
func (g *Ledger) RevokeWait(ctx context.Context, e *Entry) error {
	limiter := rate.NewLimiter(rate.Every(g.retry), 1)
	for {
		err := g.Revoke(e)
		if !errors.Is(err, ErrStillMapped) {
			return err
		}
		if werr := limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%w: gave up on ref %d: %w", ErrStillMapped, e.Ref, werr)
		}
	}
}

// Reclaim frees the page behind a revoked entry and forgets the entry.
func (g *Ledger) Reclaim(e *Entry) error {
	g.mu.Lock()
	if e.status != Revoked {
		status := e.status
		g.mu.Unlock()
		return fmt.Errorf("reclaim ref %d in state %s: %w", e.Ref, status, ErrNotRevoked)
	}
	delete(g.entries, e.Ref)
	page := e.page
	e.page = nil
	g.mu.Unlock()

	if page == nil {
		return nil
	}
	return page.Free()
}

// Status returns the current status of e.
func (g *Ledger) Status(e *Entry) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return e.status
}

// MapForeign maps the page owner granted under ref.
func (g *Ledger) MapForeign(ref Ref, owner DomainID, mode AccessMode) (*MappedPage, error) {
	h, mem, err := g.hc.MapGrantRef(owner, ref, mode)
	g.metrics.GrantOp("map", err)
	if err != nil {
		if errors.Is(err, ErrGrantInvalid) {
			return nil, fmt.Errorf("map ref %d of domain %d: %w", ref, owner, err)
		}
		return nil, fmt.Errorf("%w: ref %d of domain %d: %w", ErrMapFailed, ref, owner, err)
	}

	m := &MappedPage{Ref: ref, Owner: owner, Mode: mode, Handle: h, mem: mem, status: Mapped}
	g.mu.Lock()
	g.mappings[h] = m
	g.mu.Unlock()
	g.updateGauges()

	g.logger.Debug("mapped foreign page",
		zap.Uint32("ref", uint32(ref)), zap.Uint16("owner", uint16(owner)), zap.Uint32("handle", uint32(h)))
	return m, nil
}

// UnmapForeign releases m. Its Bytes must not be used afterwards.
func (g *Ledger) UnmapForeign(m *MappedPage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m.status != Mapped {
		return fmt.Errorf("%w: handle %d is %s", ErrUnmapFailed, m.Handle, m.status)
	}
	err := g.hc.UnmapGrantRef(m.Handle)
	g.metrics.GrantOp("unmap", err)
	if err != nil {
		return fmt.Errorf("%w: handle %d: %w", ErrUnmapFailed, m.Handle, err)
	}
	m.status = Unmapped
	m.mem = nil
	delete(g.mappings, m.Handle)
	g.updateGaugesLocked()

	g.logger.Debug("unmapped foreign page", zap.Uint32("ref", uint32(m.Ref)), zap.Uint32("handle", uint32(m.Handle)))
	return nil
}

// Outstanding returns the number of grants not yet revoked and foreign
// mappings still held.
func (g *Ledger) Outstanding() (grants, mappings int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstandingLocked()
}

func (g *Ledger) outstandingLocked() (grants, mappings int) {
	for _, e := range g.entries {
		if e.status != Revoked {
			grants++
		}
	}
	return grants, len(g.mappings)
}

// Snapshot returns a copy of the ledger's state ordered by reference and
// handle.
func (g *Ledger) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{Domain: g.self}
	for _, e := range g.entries {
		s.Entries = append(s.Entries, EntryInfo{Ref: e.Ref, Peer: e.Peer, Mode: e.Mode, Status: e.status})
	}
	for _, m := range g.mappings {
		s.Mappings = append(s.Mappings, MappingInfo{Ref: m.Ref, Owner: m.Owner, Mode: m.Mode, Handle: m.Handle, Status: m.status})
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Ref < s.Entries[j].Ref })
	sort.Slice(s.Mappings, func(i, j int) bool { return s.Mappings[i].Handle < s.Mappings[j].Handle })
	return s
}

func (g *Ledger) updateGauges() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateGaugesLocked()
}

func (g *Ledger) updateGaugesLocked() {
	if g.metrics == nil {
		return
	}
	grants, mappings := g.outstandingLocked()
	g.metrics.SetOutstanding(strconv.Itoa(int(g.self)), grants, mappings)
}
