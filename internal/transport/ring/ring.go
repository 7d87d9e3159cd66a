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

// Package ring implements single-producer single-consumer rings over a page
// shared between two domains.
//
// A page holds a 64-byte header followed by a request lane and a response
// lane. Each lane has a producer index advanced only by its writer and a
// consumer index advanced only by its reader. Indices are free-running
// uint32 counters; only the slot position derived from them is masked.
// A writer copies the slot and then publishes the producer index with an
// atomic store, and a reader loads the producer index atomically before it
// copies the slot, so slot contents are always visible before the index
// that exposes them.
package ring

import (
	"context"
	"errors"
	"time"

	"github.com/SilentAlice/pvchan/internal/metrics"
)

var (
	// ErrFull is returned by a non-blocking push when every slot is in use.
	ErrFull = errors.New("ring full")
	// ErrEmpty is returned by a non-blocking pop when no slot is published.
	ErrEmpty = errors.New("ring empty")
	// ErrClosed is returned once either side has closed the ring and the
	// caller cannot make progress.
	ErrClosed = errors.New("ring closed")
	// ErrCorrupt is returned when the peer's index violates
	// producer-consumer <= capacity.
	ErrCorrupt = errors.New("ring indices corrupt")
	// ErrRecordType is returned when a record type cannot cross a domain
	// boundary.
	ErrRecordType = errors.New("invalid ring record type")
)

// Signaler rings the peer's doorbell. It is fire-and-forget and may
// coalesce.
type Signaler interface {
	Signal()
}

// Waiter suspends the caller until the local doorbell fires. Seq returns
// the current notification count; Wait blocks while it still equals seen.
type Waiter interface {
	Seq() uint32
	Wait(ctx context.Context, seen uint32) error
}

// Backoff bounds used when no Waiter is configured.
const (
	minBackoff = time.Microsecond
	maxBackoff = time.Millisecond
	// maxPark bounds a single Waiter suspension so a lost doorbell degrades
	// into polling instead of a hang.
	maxPark = 20 * time.Millisecond
)

// Option configures a ring endpoint.
type Option func(*options)

type options struct {
	signal  Signaler
	waiter  Waiter
	metrics *metrics.Metrics
}

// WithSignaler rings s after a push that needs to wake the peer, and after
// a pop that frees space in a full ring.
func WithSignaler(s Signaler) Option {
	return func(o *options) { o.signal = s }
}

// WithWaiter makes blocking operations suspend on w instead of polling.
func WithWaiter(w Waiter) Option {
	return func(o *options) { o.waiter = w }
}

// WithMetrics records ring activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// pacer implements the wait between two polls of a blocked operation.
type pacer struct {
	waiter Waiter
	delay  time.Duration
}

func (p *pacer) mark() uint32 {
	if p.waiter != nil {
		return p.waiter.Seq()
	}
	return 0
}

func (p *pacer) pause(ctx context.Context, seen uint32) error {
	if p.waiter != nil {
		wctx, cancel := context.WithTimeout(ctx, maxPark)
		err := p.waiter.Wait(wctx, seen)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}

	switch {
	case p.delay == 0:
		p.delay = minBackoff
	case p.delay < maxBackoff:
		p.delay *= 2
		if p.delay > maxBackoff {
			p.delay = maxBackoff
		}
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
