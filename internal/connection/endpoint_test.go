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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/SilentAlice/pvchan/internal/exchange"
	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/hypervisor"
	"github.com/SilentAlice/pvchan/internal/transport/notify"
)

var testDevice = Device{Type: "alice_dev", ID: 0, Host: 0, Guest: 1}

type fakeBinding struct {
	mu       sync.Mutex
	roles    []Role
	mem      []byte
	detached int
}

func (b *fakeBinding) Attach(role Role, mem []byte, _ *notify.Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roles = append(b.roles, role)
	b.mem = mem
	return nil
}

func (b *fakeBinding) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached++
	b.mem = nil
}

type testRig struct {
	hv          *hypervisor.Hypervisor
	store       *exchange.MemoryStore
	hostLedger  *grant.Ledger
	guestLedger *grant.Ledger
	host, guest *Endpoint
	hostBind    *fakeBinding
	guestBind   *fakeBinding
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	hv := hypervisor.New()
	t.Cleanup(hv.Close)
	r := &testRig{
		hv:          hv,
		store:       exchange.NewMemoryStore(nil),
		hostLedger:  grant.NewLedger(testDevice.Host, hv.Domain(testDevice.Host)),
		guestLedger: grant.NewLedger(testDevice.Guest, hv.Domain(testDevice.Guest)),
		hostBind:    &fakeBinding{},
		guestBind:   &fakeBinding{},
	}
	var err error
	r.host, err = NewEndpoint(Offering, testDevice, r.hostLedger, hv.Domain(testDevice.Host), r.store, WithBinding(r.hostBind))
	require.NoError(t, err)
	r.guest, err = NewEndpoint(Requesting, testDevice, r.guestLedger, hv.Domain(testDevice.Guest), r.store,
		WithBinding(r.guestBind), WithRevokeTimeout(2*time.Second))
	require.NoError(t, err)
	return r
}

// run starts both endpoints and returns a stop function reporting Run's
// errors other than cancellation.
func (r *testRig) run(t *testing.T) (context.Context, func() error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.host.Run(gctx) })
	g.Go(func() error { return r.guest.Run(gctx) })
	var once sync.Once
	stop := func() error {
		var err error
		once.Do(func() {
			cancel()
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return gctx, stop
}

func (r *testRig) waitBoth(t *testing.T, ctx context.Context, s State) {
	t.Helper()
	require.NoError(t, r.host.WaitForState(ctx, s), "host")
	require.NoError(t, r.guest.WaitForState(ctx, s), "guest")
}

func TestDevicePaths(t *testing.T) {
	assert.Equal(t, "/local/domain/1/device/alice_dev/0", testDevice.GuestDir())
	assert.Equal(t, "/local/domain/0/backend/alice_dev/1/0", testDevice.HostDir())
}

func TestNewEndpointValidates(t *testing.T) {
	hv := hypervisor.New()
	defer hv.Close()
	store := exchange.NewMemoryStore(nil)
	guestLedger := grant.NewLedger(1, hv.Domain(1))

	_, err := NewEndpoint(Offering, testDevice, guestLedger, hv.Domain(1), store)
	assert.Error(t, err, "offering side needs the host's ledger")

	_, err = NewEndpoint(Requesting, Device{Type: "x", Host: 1, Guest: 1}, guestLedger, hv.Domain(1), store)
	assert.Error(t, err)

	_, err = NewEndpoint(Requesting, Device{Host: 0, Guest: 1}, guestLedger, hv.Domain(1), store)
	assert.Error(t, err)
}

func TestEndpointLifecycle(t *testing.T) {
	r := newTestRig(t)
	ctx, stop := r.run(t)

	r.waitBoth(t, ctx, Connected)

	entry := r.guest.Grant()
	require.NotNil(t, entry)
	mapped := r.host.Mapping()
	require.NotNil(t, mapped)
	assert.Equal(t, entry.Ref, mapped.Ref)

	// Both sides see the same page.
	entry.Page().Bytes()[100] = 0x5a
	assert.Equal(t, byte(0x5a), mapped.Bytes()[100])

	ref, err := r.store.Get(ctx, exchange.Join(testDevice.GuestDir(), KeyRingRef))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	backend, err := r.store.Get(ctx, exchange.Join(testDevice.GuestDir(), KeyBackend))
	require.NoError(t, err)
	assert.Equal(t, testDevice.HostDir(), backend)

	assert.Equal(t, []Role{Offering}, r.hostBind.roles)
	assert.Equal(t, []Role{Requesting}, r.guestBind.roles)

	require.NoError(t, r.guest.Shutdown(ctx))
	r.waitBoth(t, ctx, Closed)

	grants, mappings := r.guestLedger.Outstanding()
	assert.Zero(t, grants, "grant revoked")
	assert.Zero(t, mappings)
	grants, mappings = r.hostLedger.Outstanding()
	assert.Zero(t, grants)
	assert.Zero(t, mappings, "mapping released")
	assert.Nil(t, r.guest.Grant())
	assert.Nil(t, r.host.Mapping())
	assert.Equal(t, 1, r.hostBind.detached)
	assert.Equal(t, 1, r.guestBind.detached)

	_, err = r.store.Get(ctx, exchange.Join(testDevice.GuestDir(), KeyRingRef))
	assert.ErrorIs(t, err, exchange.ErrNotFound)

	require.NoError(t, stop())
}

func TestEndpointHostInitiatedClose(t *testing.T) {
	r := newTestRig(t)
	ctx, stop := r.run(t)
	r.waitBoth(t, ctx, Connected)

	require.NoError(t, r.host.Shutdown(ctx))
	r.waitBoth(t, ctx, Closed)

	grants, _ := r.guestLedger.Outstanding()
	assert.Zero(t, grants)
	require.NoError(t, stop())
}

func TestEndpointReconnects(t *testing.T) {
	r := newTestRig(t)
	ctx, stop := r.run(t)
	r.waitBoth(t, ctx, Connected)
	first := r.guest.Grant().Ref

	require.NoError(t, r.guest.Shutdown(ctx))
	r.waitBoth(t, ctx, Closed)

	require.NoError(t, r.guest.Restart(ctx))
	r.waitBoth(t, ctx, Connected)
	assert.NotEqual(t, first, r.guest.Grant().Ref, "a fresh grant per connection")
	assert.Len(t, r.hostBind.roles, 2)

	require.NoError(t, stop())
	// The host unmaps first so the guest's revoke can complete.
	require.NoError(t, r.host.Close(context.Background()))
	require.NoError(t, r.guest.Close(context.Background()))
	grants, _ := r.guestLedger.Outstanding()
	assert.Zero(t, grants)
}

func TestEndpointRejectsStaleRingRef(t *testing.T) {
	hv := hypervisor.New()
	defer hv.Close()
	store := exchange.NewMemoryStore(nil)
	ledger := grant.NewLedger(testDevice.Host, hv.Domain(testDevice.Host))
	host, err := NewEndpoint(Offering, testDevice, ledger, hv.Domain(testDevice.Host), store)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- host.Run(ctx) }()

	// Play the guest by hand, advertising a ref nobody granted.
	guestState := exchange.Join(testDevice.GuestDir(), KeyState)
	require.NoError(t, store.Set(ctx, guestState, Initialising.Wire()))
	require.NoError(t, host.WaitForState(ctx, InitWait))
	require.NoError(t, store.Set(ctx, exchange.Join(testDevice.GuestDir(), KeyRingRef), "999"))
	require.NoError(t, store.Set(ctx, exchange.Join(testDevice.GuestDir(), KeyEventChannel), "1"))
	require.NoError(t, store.Set(ctx, guestState, Connected.Wire()))

	err = <-done
	require.ErrorIs(t, err, ErrFaulted)
	assert.ErrorIs(t, err, grant.ErrGrantInvalid)
	assert.Equal(t, Closing, host.State())

	v, err := store.Get(context.Background(), exchange.Join(testDevice.HostDir(), KeyState))
	require.NoError(t, err)
	assert.Equal(t, Closing.Wire(), v)
}

func TestEndpointRejectsMalformedPeerState(t *testing.T) {
	hv := hypervisor.New()
	defer hv.Close()
	store := exchange.NewMemoryStore(nil)
	ledger := grant.NewLedger(testDevice.Host, hv.Domain(testDevice.Host))
	host, err := NewEndpoint(Offering, testDevice, ledger, hv.Domain(testDevice.Host), store)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, store.Set(ctx, exchange.Join(testDevice.GuestDir(), KeyState), "banana"))

	err = host.Run(ctx)
	assert.ErrorIs(t, err, ErrBadState)
}
