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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SilentAlice/pvchan/internal/metrics"
)

var allStates = []State{Unknown, Initialising, InitWait, Initialised, Connected, Closing, Closed, Reconfiguring, Reconfigured}

// recorder is an Actions that logs every call.
type recorder struct {
	mu         sync.Mutex
	calls      []string
	announced  []State
	connectErr error
	// announceErr, when set, decides whether announcing a state fails.
	announceErr func(State) error
}

func (r *recorder) Connect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "connect")
	return r.connectErr
}

func (r *recorder) Disconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "disconnect")
	return nil
}

func (r *recorder) Announce(_ context.Context, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "announce "+s.String())
	r.announced = append(r.announced, s)
	if r.announceErr != nil {
		return r.announceErr(s)
	}
	return nil
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.announced = nil
}

func startedMachine(t *testing.T, role Role, opts ...Option) (*Machine, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewMachine(role, rec, opts...)
	require.NoError(t, m.Start(context.Background()))
	return m, rec
}

// drive brings a started machine to local by feeding peer states.
func drive(t *testing.T, m *Machine, peers ...State) {
	t.Helper()
	for _, p := range peers {
		require.NoError(t, m.Observe(context.Background(), p))
	}
}

func TestStateWireForm(t *testing.T) {
	for _, s := range allStates {
		got, err := ParseState(s.Wire())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("9")
	assert.ErrorIs(t, err, ErrBadState)
	_, err = ParseState("connected")
	assert.ErrorIs(t, err, ErrBadState)
	assert.Equal(t, "4", Connected.Wire())
}

func TestUnknownRejectsEveryObservation(t *testing.T) {
	for _, role := range []Role{Offering, Requesting} {
		for _, peer := range allStates {
			_, outcome := Lookup(role, Unknown, peer)
			assert.Equal(t, Rejected, outcome, "%s Unknown, peer %s", role, peer)
		}
	}
}

func TestOfferingFirstTransitionIsInitialising(t *testing.T) {
	rec := &recorder{}
	m := NewMachine(Offering, rec)
	assert.Equal(t, Unknown, m.State())
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, Initialising, m.State())
	assert.Equal(t, []string{"announce Initialising"}, rec.log())

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestConnectedAcceptsOnlyCloseOrReannouncement(t *testing.T) {
	allowed := map[Role]map[State]bool{
		Offering:   {Connected: true, Closing: true, Closed: true},
		Requesting: {Connected: true, Closing: true, Closed: true, InitWait: true},
	}
	for role, ok := range allowed {
		for _, peer := range allStates {
			_, outcome := Lookup(role, Connected, peer)
			switch {
			case ignoredPeer(peer):
				assert.Equal(t, Ignored, outcome)
			case ok[peer]:
				assert.NotEqual(t, Rejected, outcome, "%s Connected, peer %s", role, peer)
			default:
				assert.Equal(t, Rejected, outcome, "%s Connected, peer %s", role, peer)
			}
		}
	}
}

func TestEveryTargetHasAPath(t *testing.T) {
	for role, tbl := range tables {
		for p, target := range tbl.targets {
			local := p.local
			for i := 0; local != target; i++ {
				require.Less(t, i, maxSteps, "%s: %s to %s does not converge", role, p.local, target)
				st, ok := nextStep(role, local, target)
				require.True(t, ok, "%s: no step from %s toward %s", role, local, target)
				local = st.next
			}
		}
	}
}

func TestOfferingLifecycle(t *testing.T) {
	m, rec := startedMachine(t, Offering)
	ctx := context.Background()

	drive(t, m, Unknown)
	assert.Equal(t, Initialising, m.State(), "peer not present yet")

	drive(t, m, Initialising)
	assert.Equal(t, InitWait, m.State())

	drive(t, m, Initialising, Initialised)
	assert.Equal(t, InitWait, m.State(), "repeats and passing states are ignored")

	drive(t, m, Connected)
	assert.Equal(t, Connected, m.State())

	drive(t, m, Connected)
	drive(t, m, Closing)
	assert.Equal(t, Closing, m.State())

	drive(t, m, Closed)
	assert.Equal(t, Closed, m.State())

	assert.Equal(t, []string{
		"announce Initialising",
		"announce InitWait",
		"connect",
		"announce Connected",
		"disconnect",
		"announce Closing",
		"announce Closed",
	}, rec.log())

	// A restarted peer brings a closed offering side back to InitWait.
	rec.reset()
	require.NoError(t, m.Observe(ctx, Initialising))
	assert.Equal(t, InitWait, m.State())
	assert.Equal(t, []string{"announce InitWait"}, rec.log())
}

func TestOfferingConnectedToClosedPassesThroughClosing(t *testing.T) {
	m, rec := startedMachine(t, Offering)
	drive(t, m, Initialising, Connected)
	rec.reset()

	drive(t, m, Closed)
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, []string{"disconnect", "announce Closing", "announce Closed"}, rec.log())
}

func TestOfferingOrdering(t *testing.T) {
	// Connected is only reached after the peer announced Initialising and
	// the offering side answered with InitWait.
	m, rec := startedMachine(t, Offering)
	drive(t, m, Initialising, Connected)
	require.Equal(t, Connected, m.State())
	assert.Equal(t, []State{Initialising, InitWait, Connected}, rec.announced)

	// Out of order: the peer claims Connected while we are still
	// Initialising.
	m, rec = startedMachine(t, Offering)
	err := m.Observe(context.Background(), Connected)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrUnexpectedPeerState)
	assert.Equal(t, TransitionError{Role: Offering, Local: Initialising, Peer: Connected}, *terr)
	assert.Equal(t, Closing, m.State())
	assert.NotContains(t, rec.log(), "connect")
}

func TestRequestingLifecycle(t *testing.T) {
	m, rec := startedMachine(t, Requesting)
	ctx := context.Background()

	drive(t, m, Unknown, Initialising)
	assert.Equal(t, Initialising, m.State())

	drive(t, m, InitWait)
	assert.Equal(t, Connected, m.State())

	drive(t, m, Connected, InitWait)
	assert.Equal(t, Connected, m.State(), "stale InitWait is ignored")

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, Closing, m.State())

	drive(t, m, Connected)
	assert.Equal(t, Closing, m.State(), "peer has not seen Closing yet")

	drive(t, m, Closing)
	assert.Equal(t, Closed, m.State())

	assert.Equal(t, []string{
		"announce Initialising",
		"connect",
		"announce Connected",
		"announce Closing",
		"disconnect",
		"announce Closed",
	}, rec.log(), "requesting side disconnects only after the peer closed")

	drive(t, m, Closed, Unknown, Connected)
	assert.Equal(t, Closed, m.State())
}

func TestRequestingPeerInitiatedClose(t *testing.T) {
	m, rec := startedMachine(t, Requesting)
	drive(t, m, InitWait)
	rec.reset()

	drive(t, m, Closing)
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, []string{"announce Closing", "disconnect", "announce Closed"}, rec.log())
}

func TestRejectedObservationFaults(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	m, rec := startedMachine(t, Requesting, WithMetrics(met))
	ctx := context.Background()
	drive(t, m, InitWait)
	rec.reset()

	err := m.Observe(ctx, Initialising)
	require.ErrorIs(t, err, ErrUnexpectedPeerState)
	require.ErrorIs(t, err, ErrFaulted)
	assert.Equal(t, Closing, m.State())
	assert.Equal(t, []string{"disconnect", "announce Closing"}, rec.log())
	assert.Equal(t, 1.0, testutil.ToFloat64(met.Faults.WithLabelValues("requesting")))

	// Faulted machines refuse further input and announce nothing more.
	rec.reset()
	err = m.Observe(ctx, Closed)
	assert.ErrorIs(t, err, ErrFaulted)
	assert.ErrorIs(t, m.Start(ctx), ErrFaulted)
	assert.Empty(t, rec.log())
	assert.ErrorIs(t, m.Err(), ErrUnexpectedPeerState)
}

func TestConnectFailureFaults(t *testing.T) {
	rec := &recorder{connectErr: errors.New("map failed")}
	m := NewMachine(Offering, rec)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	drive(t, m, Initialising)

	err := m.Observe(ctx, Connected)
	require.ErrorIs(t, err, ErrFaulted)
	assert.ErrorContains(t, err, "map failed")
	assert.Equal(t, Closing, m.State())
	assert.NotContains(t, rec.log(), "disconnect", "nothing was connected")
}

func TestShutdownBeforeConnect(t *testing.T) {
	m, rec := startedMachine(t, Offering)
	drive(t, m, Initialising)
	rec.reset()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, []string{"announce Closed"}, rec.log())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestWait(t *testing.T) {
	m, _ := startedMachine(t, Offering)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Wait(ctx, Connected) }()

	drive(t, m, Initialising, Connected)
	require.NoError(t, <-done)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, m.Wait(short, Closed), context.DeadlineExceeded)

	go func() { done <- m.Wait(ctx, Closed) }()
	_ = m.Observe(ctx, Initialising)
	assert.ErrorIs(t, <-done, ErrFaulted)
}

func TestFaultLeavesClosedMachineClosed(t *testing.T) {
	m, rec := startedMachine(t, Offering)
	ctx := context.Background()
	drive(t, m, Initialising, Connected, Closing, Closed)
	require.Equal(t, Closed, m.State())
	rec.reset()

	err := m.Observe(ctx, InitWait)
	require.ErrorIs(t, err, ErrUnexpectedPeerState)
	require.ErrorIs(t, err, ErrFaulted)
	assert.Equal(t, Closed, m.State(), "a fault never reopens a closed machine")
	assert.Empty(t, rec.log())
}

func TestAnnounceFailureFaults(t *testing.T) {
	rec := &recorder{announceErr: func(s State) error {
		if s == Connected {
			return errors.New("store unreachable")
		}
		return nil
	}}
	m := NewMachine(Requesting, rec)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	err := m.Observe(ctx, InitWait)
	require.ErrorIs(t, err, ErrFaulted)
	assert.ErrorContains(t, err, "announce Connected")
	assert.Equal(t, Closing, m.State())
	assert.Equal(t, []string{
		"announce Initialising",
		"connect",
		"announce Connected",
		"disconnect",
		"announce Closing",
	}, rec.log())
	assert.ErrorIs(t, m.Observe(ctx, Closing), ErrFaulted)
}
