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

package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SilentAlice/pvchan/internal/grant"
)

func TestDoorbellCoalescesSignals(t *testing.T) {
	d := NewDoorbell()

	if !d.Ring() {
		t.Fatal("first ring should not be coalesced")
	}
	for range 9 {
		if d.Ring() {
			t.Fatal("ring while pending should be coalesced")
		}
	}

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(ctx, 3, func(p Port) {
			if p != 3 {
				t.Errorf("handler got port %d, want 3", p)
			}
			calls.Add(1)
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 10 signals to coalesce into 1 handler call, got %d", n)
	}
	if d.Pending() {
		t.Fatal("doorbell still pending after handler ran")
	}
}

func TestDoorbellSignalDuringHandlerRunsAgain(t *testing.T) {
	d := NewDoorbell()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	second := make(chan struct{})
	go d.Serve(ctx, 1, func(Port) {
		if calls.Add(1) == 1 {
			d.Ring()
			return
		}
		close(second)
	})

	d.Ring()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("signal raised inside the handler was lost")
	}
}

func TestEventWaitWakesOnFire(t *testing.T) {
	var e Event
	seen := e.Seq()

	done := make(chan error, 1)
	go func() {
		done <- e.Wait(context.Background(), seen)
	}()

	time.Sleep(20 * time.Millisecond)
	e.Fire()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Fire")
	}
	if e.Seq() != seen+1 {
		t.Fatalf("expected seq %d, got %d", seen+1, e.Seq())
	}
}

func TestEventWaitReturnsImmediatelyWhenStale(t *testing.T) {
	var e Event
	seen := e.Seq()
	e.Fire()
	if err := e.Wait(context.Background(), seen); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestEventWaitHonorsContext(t *testing.T) {
	var e Event

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := e.Wait(ctx, e.Seq())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Wait overran its deadline")
	}

	cctx, ccancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, ccancel)
	if err := e.Wait(cctx, e.Seq()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
}

// loopback connects ports pairwise inside one process.
type loopback struct {
	mu       sync.Mutex
	next     Port
	peer     map[Port]Port
	bells    map[Port]*Doorbell
	handlers map[Port]context.CancelFunc
}

func newLoopback() *loopback {
	return &loopback{
		next:     1,
		peer:     make(map[Port]Port),
		bells:    make(map[Port]*Doorbell),
		handlers: make(map[Port]context.CancelFunc),
	}
}

func (l *loopback) AllocUnbound(grant.DomainID) (Port, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.next
	l.next++
	l.bells[p] = NewDoorbell()
	return p, nil
}

func (l *loopback) BindInterdomain(_ grant.DomainID, remote Port) (Port, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.next
	l.next++
	l.bells[p] = NewDoorbell()
	l.peer[p], l.peer[remote] = remote, p
	return p, nil
}

func (l *loopback) Send(local Port) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	remote, ok := l.peer[local]
	if !ok {
		return ErrPortClosed
	}
	l.bells[remote].Ring()
	return nil
}

func (l *loopback) ClosePort(local Port) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if remote, ok := l.peer[local]; ok {
		delete(l.peer, remote)
	}
	delete(l.peer, local)
	delete(l.bells, local)
	return nil
}

func (l *loopback) Bind(port Port, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bell, ok := l.bells[port]
	if !ok {
		return ErrPortClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.handlers[port] = cancel
	go bell.Serve(ctx, port, h)
	return nil
}

func (l *loopback) Unbind(port Port) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cancel, ok := l.handlers[port]
	if !ok {
		return ErrNotBound
	}
	cancel()
	delete(l.handlers, port)
	return nil
}

func TestChannelSignalWakesPeer(t *testing.T) {
	lb := newLoopback()

	var handled atomic.Int32
	guest, err := Offer(lb, lb, 0)
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	host, err := Connect(lb, lb, 1, guest.Port(), WithHandler(func(Port) { handled.Add(1) }))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer host.Close()
	defer guest.Close()

	seen := host.Seq()
	guest.Signal()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := host.Wait(ctx, seen); err != nil {
		t.Fatalf("host was not woken: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for handled.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if handled.Load() == 0 {
		t.Fatal("user handler did not run")
	}
}

func TestChannelSignalAfterPeerCloseIsDropped(t *testing.T) {
	lb := newLoopback()
	guest, err := Offer(lb, lb, 0)
	if err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	host, err := Connect(lb, lb, 1, guest.Port())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := host.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Must not panic or block.
	guest.Signal()
	if err := guest.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
