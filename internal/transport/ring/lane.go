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
	"sync/atomic"
)

// lane is one direction of a shared ring.
type lane struct {
	name   string
	mem    []byte
	prod   *uint32
	cons   *uint32
	closed *uint32
	off    uint32
	stride uint32
	size   uint32
	mask   uint32
}

func (l *lane) slot(idx uint32) []byte {
	start := l.off + (idx&l.mask)*l.stride
	return l.mem[start : start+l.stride : start+l.stride]
}

func (l *lane) bytes() []byte {
	return l.mem[l.off : l.off+l.size*l.stride]
}

// copyIn copies p into a stride-1 lane starting at idx, wrapping at the end.
func (l *lane) copyIn(idx uint32, p []byte) {
	data := l.bytes()
	n := copy(data[idx&l.mask:], p)
	copy(data, p[n:])
}

// copyOut copies from a stride-1 lane starting at idx into p.
func (l *lane) copyOut(idx uint32, p []byte) {
	data := l.bytes()
	n := copy(p, data[idx&l.mask:])
	copy(p[n:], data)
}

func (l *lane) isClosed() bool {
	return atomic.LoadUint32(l.closed) != 0
}

// laneWriter owns the producer index of a lane. The shared copy of the
// index is write-only from this side; prodPvt is authoritative.
type laneWriter struct {
	*lane
	prodPvt uint32
	opts    options
}

func newLaneWriter(l *lane, o options) *laneWriter {
	return &laneWriter{lane: l, prodPvt: atomic.LoadUint32(l.prod), opts: o}
}

// space returns the number of free slots.
func (w *laneWriter) space() (uint32, error) {
	if w.isClosed() {
		return 0, ErrClosed
	}
	used := w.prodPvt - atomic.LoadUint32(w.cons)
	if used > w.size {
		return 0, ErrCorrupt
	}
	if used == w.size {
		w.opts.metrics.Full(w.name)
	}
	return w.size - used, nil
}

// publish exposes n written slots and reports whether the peer must be
// notified: only when the consumer had already drained everything before
// them.
func (w *laneWriter) publish(n uint32) bool {
	old := w.prodPvt
	w.prodPvt += n
	atomic.StoreUint32(w.prod, w.prodPvt)

	// Load the consumer index after the store. A consumer that checked the
	// producer index before our store has then necessarily published
	// cons == old, so it is never left asleep.
	notify := atomic.LoadUint32(w.cons) == old
	w.opts.metrics.Pushed(w.name, notify)
	if notify && w.opts.signal != nil {
		w.opts.signal.Signal()
	}
	return notify
}

// laneReader owns the consumer index of a lane.
type laneReader struct {
	*lane
	consPvt uint32
	opts    options
}

func newLaneReader(l *lane, o options) *laneReader {
	return &laneReader{lane: l, consPvt: atomic.LoadUint32(l.cons), opts: o}
}

// available returns the number of published slots not yet consumed. It
// returns ErrClosed only when nothing is left to drain.
func (r *laneReader) available() (uint32, error) {
	avail := atomic.LoadUint32(r.prod) - r.consPvt
	if avail > r.size {
		return 0, ErrCorrupt
	}
	if avail == 0 && r.isClosed() {
		return 0, ErrClosed
	}
	return avail, nil
}

// release hands n consumed slots back to the producer.
func (r *laneReader) release(n uint32) {
	old := r.consPvt
	r.consPvt += n
	atomic.StoreUint32(r.cons, r.consPvt)
	r.opts.metrics.Popped(r.name)

	// Reload after the store so a producer that found the ring full before
	// it is always woken.
	if atomic.LoadUint32(r.prod)-old == r.size && r.opts.signal != nil {
		r.opts.signal.Signal()
	}
}
