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

package ring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testReq struct {
	Seq uint64
	Tag [8]byte
}

type testRsp struct {
	Seq    uint64
	Status int32
}

// newTestPage returns a zeroed page-sized buffer.
func newTestPage(t *testing.T) []byte {
	t.Helper()
	return make([]byte, 4096)
}

// newTestPair formats a record ring and attaches a back end to it.
func newTestPair(t *testing.T, capacity uint32, opts ...Option) (*Front[testReq, testRsp], *Back[testReq, testRsp]) {
	t.Helper()
	mem := newTestPage(t)
	front, err := NewFront[testReq, testRsp](mem, capacity, opts...)
	if err != nil {
		t.Fatalf("NewFront failed: %v", err)
	}
	back, err := AttachBack[testReq, testRsp](mem, opts...)
	if err != nil {
		t.Fatalf("AttachBack failed: %v", err)
	}
	return front, back
}

func req(seq uint64, tag string) testReq {
	r := testReq{Seq: seq}
	copy(r.Tag[:], tag)
	return r
}

func TestCapacityFourScenario(t *testing.T) {
	front, back := newTestPair(t, 4)

	for i, tag := range []string{"A", "B", "C", "D"} {
		if _, err := front.Requests.TryPush(req(uint64(i), tag)); err != nil {
			t.Fatalf("push %s failed: %v", tag, err)
		}
	}
	if _, err := front.Requests.TryPush(req(4, "E")); !errors.Is(err, ErrFull) {
		t.Fatalf("push E on full ring: expected ErrFull, got %v", err)
	}

	got, err := back.Requests.TryPop()
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if got != req(0, "A") {
		t.Fatalf("expected A, got %+v", got)
	}

	if _, err := front.Requests.TryPush(req(4, "E")); err != nil {
		t.Fatalf("push E after pop failed: %v", err)
	}

	for i, tag := range []string{"B", "C", "D", "E"} {
		got, err := back.Requests.TryPop()
		if err != nil {
			t.Fatalf("pop %s failed: %v", tag, err)
		}
		if want := req(uint64(i+1), tag); got != want {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	}
	if _, err := back.Requests.TryPop(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty after draining, got %v", err)
	}
}

func TestNotifyElision(t *testing.T) {
	front, back := newTestPair(t, 8)

	notify, err := front.Requests.TryPush(req(1, "a"))
	if err != nil || !notify {
		t.Fatalf("first push into empty ring: notify=%v err=%v, expected notify", notify, err)
	}
	notify, err = front.Requests.TryPush(req(2, "b"))
	if err != nil || notify {
		t.Fatalf("second push before drain: notify=%v err=%v, expected no notify", notify, err)
	}

	// Partially drained: consumer is still behind the old producer index.
	if _, err := back.Requests.TryPop(); err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	notify, _ = front.Requests.TryPush(req(3, "c"))
	if notify {
		t.Fatal("push while consumer is behind should not notify")
	}

	for range 2 {
		if _, err := back.Requests.TryPop(); err != nil {
			t.Fatalf("pop failed: %v", err)
		}
	}
	notify, _ = front.Requests.TryPush(req(4, "d"))
	if !notify {
		t.Fatal("push after full drain should notify")
	}
}

func TestIndicesAreNeverMasked(t *testing.T) {
	front, back := newTestPair(t, 2)

	for i := range uint64(11) {
		if _, err := front.Requests.TryPush(req(i, "x")); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
		if _, err := back.Requests.TryPop(); err != nil {
			t.Fatalf("pop %d failed: %v", i, err)
		}
	}
	state := front.Shared().DebugState()
	if state.ReqProd != 11 || state.ReqCons != 11 {
		t.Fatalf("expected free-running indices 11/11, got prod=%d cons=%d", state.ReqProd, state.ReqCons)
	}
}

func TestFIFOAcrossGoroutines(t *testing.T) {
	front, back := newTestPair(t, 8)
	const n = 5000

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		for i := range uint64(n) {
			if _, err := front.Requests.Push(ctx, req(i, "fifo")); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	for i := range uint64(n) {
		got, err := back.Requests.Pop(ctx)
		if err != nil {
			t.Fatalf("pop %d failed: %v", i, err)
		}
		if got != req(i, "fifo") {
			t.Fatalf("record %d out of order: got %+v", i, got)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("producer failed: %v", err)
	}
}

func TestResponseLane(t *testing.T) {
	front, back := newTestPair(t, 4)

	if _, err := back.Responses.TryPush(testRsp{Seq: 9, Status: -2}); err != nil {
		t.Fatalf("response push failed: %v", err)
	}
	got, err := front.Responses.TryPop()
	if err != nil {
		t.Fatalf("response pop failed: %v", err)
	}
	if got.Seq != 9 || got.Status != -2 {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestCorruptPeerIndex(t *testing.T) {
	front, back := newTestPair(t, 4)

	// A misbehaving peer publishes a producer index past the capacity.
	atomic.StoreUint32(&front.Shared().header().reqProd, 5)
	if _, err := back.Requests.TryPop(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}

	// A consumer index ahead of the producer underflows and is caught too.
	atomic.StoreUint32(&front.Shared().header().rspCons, 3)
	if _, err := back.Responses.TryPush(testRsp{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt on producer side, got %v", err)
	}
}

func TestClosedRing(t *testing.T) {
	front, back := newTestPair(t, 4)

	if _, err := front.Requests.TryPush(req(1, "last")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	front.Close()

	if _, err := front.Requests.TryPush(req(2, "late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close: expected ErrClosed, got %v", err)
	}

	// Published records are still drained before the close is reported.
	got, err := back.Requests.TryPop()
	if err != nil || got.Seq != 1 {
		t.Fatalf("expected pending record before close, got %+v, %v", got, err)
	}
	if _, err := back.Requests.TryPop(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed once drained, got %v", err)
	}
	if by := back.Shared().ClosedBy(); by != FrontSide {
		t.Fatalf("expected closed by front, got %v", by)
	}
}

func TestBlockedPopReturnsOnClose(t *testing.T) {
	front, back := newTestPair(t, 4)

	done := make(chan error, 1)
	go func() {
		_, err := back.Requests.Pop(context.Background())
		done <- err
	}()

	time.AfterFunc(50*time.Millisecond, front.Close)

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pop should have returned after ring close")
	}
}

func TestPushHonorsContext(t *testing.T) {
	front, _ := newTestPair(t, 1)
	if _, err := front.Requests.TryPush(req(0, "fill")); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := front.Requests.Push(ctx, req(1, "wait")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestRecordStride(t *testing.T) {
	type padded struct {
		A uint8
		B uint32
		C [3]uint16
	}
	type nested struct {
		P padded
		F [2]float64
	}

	tests := []struct {
		name    string
		stride  func() (uint32, error)
		want    uint32
		wantErr bool
	}{
		{"uint32", RecordStride[uint32], 8, false},
		{"padded struct", RecordStride[padded], 16, false},
		{"nested", RecordStride[nested], 32, false},
		{"pointer", RecordStride[*testReq], 0, true},
		{"string field", RecordStride[struct{ S string }], 0, true},
		{"slice field", RecordStride[struct{ B []byte }], 0, true},
		{"platform int", RecordStride[struct{ N int }], 0, true},
		{"empty", RecordStride[struct{}], 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.stride()
			if tt.wantErr {
				if !errors.Is(err, ErrRecordType) {
					t.Fatalf("expected ErrRecordType, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("stride = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAttachValidation(t *testing.T) {
	t.Run("unformatted page", func(t *testing.T) {
		if _, err := AttachBack[testReq, testRsp](newTestPage(t)); err == nil {
			t.Fatal("expected error attaching to a zero page")
		}
	})

	t.Run("wrong kind", func(t *testing.T) {
		mem := newTestPage(t)
		if _, err := NewStreamFront(mem, 64); err != nil {
			t.Fatalf("NewStreamFront failed: %v", err)
		}
		if _, err := AttachBack[testReq, testRsp](mem); err == nil {
			t.Fatal("expected kind mismatch error")
		}
	})

	t.Run("stride mismatch", func(t *testing.T) {
		mem := newTestPage(t)
		if _, err := NewFront[testReq, testRsp](mem, 4); err != nil {
			t.Fatalf("NewFront failed: %v", err)
		}
		_, err := AttachBack[testReq, uint8](mem)
		if !errors.Is(err, ErrRecordType) {
			t.Fatalf("expected ErrRecordType, got %v", err)
		}
	})

	t.Run("does not fit", func(t *testing.T) {
		if _, err := NewFront[testReq, testRsp](newTestPage(t), 1024); err == nil {
			t.Fatal("expected error for ring larger than the page")
		}
	})

	t.Run("capacity not power of two", func(t *testing.T) {
		if _, err := NewFront[testReq, testRsp](newTestPage(t), 6); err == nil {
			t.Fatal("expected error for capacity 6")
		}
	})
}

func TestCalculateLayout(t *testing.T) {
	geo, err := CalculateLayout(KindRecord, 32, 16, 24)
	if err != nil {
		t.Fatalf("CalculateLayout failed: %v", err)
	}
	if geo.ReqOffset != HeaderSize {
		t.Errorf("request lane at %d, want %d", geo.ReqOffset, HeaderSize)
	}
	if geo.RspOffset != HeaderSize+32*16 {
		t.Errorf("response lane at %d, want %d", geo.RspOffset, HeaderSize+32*16)
	}
	if geo.Size != geo.RspOffset+32*24 {
		t.Errorf("size %d, want %d", geo.Size, geo.RspOffset+32*24)
	}
	if NextPowerOfTwo(33) != 64 || NextPowerOfTwo(64) != 64 || NextPowerOfTwo(0) != 1 {
		t.Error("NextPowerOfTwo returned an unexpected value")
	}
}

// testDoorbell is a shared in-process doorbell that counts signals.
type testDoorbell struct {
	mu      sync.Mutex
	seq     uint32
	ch      chan struct{}
	signals atomic.Int32
}

func newTestDoorbell() *testDoorbell {
	return &testDoorbell{ch: make(chan struct{})}
}

func (d *testDoorbell) Signal() {
	d.signals.Add(1)
	d.mu.Lock()
	d.seq++
	close(d.ch)
	d.ch = make(chan struct{})
	d.mu.Unlock()
}

func (d *testDoorbell) Seq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

func (d *testDoorbell) Wait(ctx context.Context, seen uint32) error {
	d.mu.Lock()
	if d.seq != seen {
		d.mu.Unlock()
		return nil
	}
	ch := d.ch
	d.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func TestWaiterWakesConsumer(t *testing.T) {
	bell := newTestDoorbell()
	front, back := newTestPair(t, 4, WithSignaler(bell), WithWaiter(bell))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan testReq, 1)
	go func() {
		rec, err := back.Requests.Pop(ctx)
		if err != nil {
			t.Errorf("Pop failed: %v", err)
		}
		got <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := front.Requests.TryPush(req(7, "wake")); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	select {
	case rec := <-got:
		if rec.Seq != 7 {
			t.Fatalf("unexpected record %+v", rec)
		}
	case <-ctx.Done():
		t.Fatal("consumer was not woken")
	}
	if n := bell.signals.Load(); n != 1 {
		t.Fatalf("expected exactly one signal for one push into an empty ring, got %d", n)
	}
}

func TestConsumerSignalsWhenFreeingFullRing(t *testing.T) {
	bell := newTestDoorbell()
	front, back := newTestPair(t, 2, WithSignaler(bell))

	front.Requests.TryPush(req(0, "a"))
	front.Requests.TryPush(req(1, "b"))
	before := bell.signals.Load()

	if _, err := back.Requests.TryPop(); err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if bell.signals.Load() != before+1 {
		t.Fatal("pop from a full ring should signal the producer")
	}
	if _, err := back.Requests.TryPop(); err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if bell.signals.Load() != before+1 {
		t.Fatal("pop from a non-full ring should not signal")
	}
}
