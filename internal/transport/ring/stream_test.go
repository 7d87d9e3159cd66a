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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStream(t *testing.T, capacity uint32) (*StreamFront, *StreamBack) {
	t.Helper()
	mem := newTestPage(t)
	front, err := NewStreamFront(mem, capacity)
	if err != nil {
		t.Fatalf("NewStreamFront failed: %v", err)
	}
	back, err := AttachStreamBack(mem)
	if err != nil {
		t.Fatalf("AttachStreamBack failed: %v", err)
	}
	return front, back
}

func pattern(n, seed int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte((i + seed) % 251)
	}
	return p
}

func TestStreamWrapAround(t *testing.T) {
	front, back := newTestStream(t, 16)
	ctx := context.Background()

	first := pattern(10, 0)
	if n, err := front.Out.TryWrite(first); err != nil || n != 10 {
		t.Fatalf("first write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 6)
	if _, err := back.In.ReadFull(ctx, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(buf, first[:6]) {
		t.Fatalf("data mismatch: expected %v, got %v", first[:6], buf)
	}

	// 4 bytes still pending, 12 free: this write crosses the end of the lane.
	second := pattern(12, 100)
	if n, err := front.Out.TryWrite(second); err != nil || n != 12 {
		t.Fatalf("wrapping write: n=%d err=%v", n, err)
	}
	if n, err := front.Out.TryWrite([]byte{1}); !errors.Is(err, ErrFull) || n != 0 {
		t.Fatalf("write into full stream: n=%d err=%v", n, err)
	}

	rest := make([]byte, 16)
	if _, err := back.In.ReadFull(ctx, rest); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	want := append(append([]byte{}, first[6:]...), second...)
	if !bytes.Equal(rest, want) {
		t.Fatalf("data mismatch after wrap:\nwant %v\ngot  %v", want, rest)
	}
}

func TestStreamWriteLargerThanRing(t *testing.T) {
	front, back := newTestStream(t, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := pattern(1000, 3)
	errc := make(chan error, 1)
	go func() {
		_, err := front.Out.Write(ctx, payload)
		errc <- err
	}()

	got := make([]byte, len(payload))
	if _, err := back.In.ReadFull(ctx, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted crossing the ring")
	}
}

func TestStreamBothDirections(t *testing.T) {
	front, back := newTestStream(t, 32)
	ctx := context.Background()

	if _, err := back.Out.Write(ctx, []byte("response")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got := make([]byte, 8)
	if _, err := front.In.ReadFull(ctx, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(got) != "response" {
		t.Fatalf("expected %q, got %q", "response", got)
	}
}

func TestStreamDiscard(t *testing.T) {
	front, back := newTestStream(t, 1024)
	ctx := context.Background()

	if _, err := front.Out.Write(ctx, append(pattern(600, 0), "tail"...)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n, err := back.In.Discard(ctx, 600); err != nil || n != 600 {
		t.Fatalf("Discard: n=%d err=%v", n, err)
	}
	tail := make([]byte, 4)
	if _, err := back.In.ReadFull(ctx, tail); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(tail) != "tail" {
		t.Fatalf("expected tail after discard, got %q", tail)
	}
	if n, _ := back.In.Buffered(); n != 0 {
		t.Fatalf("expected empty stream, %d bytes buffered", n)
	}
}

func TestStreamReadAfterPeerClose(t *testing.T) {
	front, back := newTestStream(t, 16)
	ctx := context.Background()

	if _, err := back.Out.Write(ctx, []byte("ab")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	back.Close()

	buf := make([]byte, 4)
	n, err := front.In.ReadFull(ctx, buf)
	if n != 2 || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected 2 bytes then ErrClosed, got n=%d err=%v", n, err)
	}
	if _, err := front.Out.Write(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write to closed ring: expected ErrClosed, got %v", err)
	}
}
