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
	"fmt"
)

// StreamLayout returns the page geometry for a byte-stream ring with
// capacity bytes per direction.
func StreamLayout(capacity uint32) (Geometry, error) {
	return CalculateLayout(KindStream, capacity, 1, 1)
}

// StreamWriter writes a byte stream into one lane.
type StreamWriter struct {
	w    *laneWriter
	pace pacer
}

// TryWrite copies as much of p as fits and publishes it. It returns
// ErrFull only when nothing could be written.
func (s *StreamWriter) TryWrite(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	free, err := s.w.space()
	if err != nil {
		return 0, err
	}
	if free == 0 {
		return 0, ErrFull
	}
	n := min(uint32(len(p)), free)
	s.w.copyIn(s.w.prodPvt, p[:n])
	s.w.publish(n)
	return int(n), nil
}

// Write copies all of p into the ring, publishing and signalling after
// every chunk that fits, and waits for space in between.
func (s *StreamWriter) Write(ctx context.Context, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		seen := s.pace.mark()
		n, err := s.TryWrite(p[written:])
		written += n
		switch {
		case err == nil:
			s.pace.delay = 0
			continue
		case !errors.Is(err, ErrFull):
			return written, err
		}
		if err := s.pace.pause(ctx, seen); err != nil {
			return written, err
		}
	}
	return written, nil
}

// StreamReader reads a byte stream from one lane.
type StreamReader struct {
	r    *laneReader
	pace pacer
}

// TryRead copies up to len(p) published bytes into p. It returns ErrEmpty
// when nothing is published.
func (s *StreamReader) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	avail, err := s.r.available()
	if err != nil {
		return 0, err
	}
	if avail == 0 {
		return 0, ErrEmpty
	}
	n := min(uint32(len(p)), avail)
	s.r.copyOut(s.r.consPvt, p[:n])
	s.r.release(n)
	return int(n), nil
}

// ReadFull fills p from the ring, waiting for data until ctx is done.
func (s *StreamReader) ReadFull(ctx context.Context, p []byte) (int, error) {
	read := 0
	for read < len(p) {
		seen := s.pace.mark()
		n, err := s.TryRead(p[read:])
		read += n
		switch {
		case err == nil:
			s.pace.delay = 0
			continue
		case !errors.Is(err, ErrEmpty):
			return read, err
		}
		if err := s.pace.pause(ctx, seen); err != nil {
			return read, err
		}
	}
	return read, nil
}

// Discard consumes and drops n bytes.
func (s *StreamReader) Discard(ctx context.Context, n int) (int, error) {
	var scratch [256]byte
	dropped := 0
	for dropped < n {
		chunk := scratch[:min(n-dropped, len(scratch))]
		m, err := s.ReadFull(ctx, chunk)
		dropped += m
		if err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// Buffered returns the number of published bytes not yet read.
func (s *StreamReader) Buffered() (uint32, error) {
	return s.r.available()
}

// StreamFront is the requesting end of a byte-stream ring.
type StreamFront struct {
	shared *Shared
	signal Signaler
	Out    *StreamWriter
	In     *StreamReader
}

// NewStreamFront formats mem as a byte-stream ring with capacity bytes per
// direction.
func NewStreamFront(mem []byte, capacity uint32, opts ...Option) (*StreamFront, error) {
	geo, err := StreamLayout(capacity)
	if err != nil {
		return nil, err
	}
	s, err := Init(mem, geo)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &StreamFront{
		shared: s,
		signal: o.signal,
		Out:    &StreamWriter{w: newLaneWriter(s.requestLane(), o), pace: pacer{waiter: o.waiter}},
		In:     &StreamReader{r: newLaneReader(s.responseLane(), o), pace: pacer{waiter: o.waiter}},
	}, nil
}

// Shared returns the underlying page view.
func (f *StreamFront) Shared() *Shared { return f.shared }

// Close marks the front side closed and wakes the peer.
func (f *StreamFront) Close() {
	f.shared.Close(FrontSide)
	if f.signal != nil {
		f.signal.Signal()
	}
}

// StreamBack is the offering end of a byte-stream ring.
type StreamBack struct {
	shared *Shared
	signal Signaler
	In     *StreamReader
	Out    *StreamWriter
}

// AttachStreamBack adopts a byte-stream ring formatted by the peer.
func AttachStreamBack(mem []byte, opts ...Option) (*StreamBack, error) {
	s, err := Attach(mem, KindStream)
	if err != nil {
		return nil, err
	}
	if s.geo.ReqStride != 1 || s.geo.RspStride != 1 {
		return nil, fmt.Errorf("stream ring has stride %d/%d", s.geo.ReqStride, s.geo.RspStride)
	}
	o := buildOptions(opts)
	return &StreamBack{
		shared: s,
		signal: o.signal,
		In:     &StreamReader{r: newLaneReader(s.requestLane(), o), pace: pacer{waiter: o.waiter}},
		Out:    &StreamWriter{w: newLaneWriter(s.responseLane(), o), pace: pacer{waiter: o.waiter}},
	}, nil
}

// Shared returns the underlying page view.
func (b *StreamBack) Shared() *Shared { return b.shared }

// Close marks the back side closed and wakes the peer.
func (b *StreamBack) Close() {
	b.shared.Close(BackSide)
	if b.signal != nil {
		b.signal.Signal()
	}
}
