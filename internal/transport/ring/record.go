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
	"reflect"
	"unsafe"
)

// RecordStride returns the slot stride for records of type T, or an error
// wrapping ErrRecordType if T cannot be copied between domains. Records
// must have a fixed, non-zero size and contain no pointers, strings, slices,
// maps, channels, functions or interfaces, and no platform-sized integers.
func RecordStride[T any]() (uint32, error) {
	t := reflect.TypeFor[T]()
	if err := checkRecord(t, t.String()); err != nil {
		return 0, err
	}
	if t.Size() == 0 {
		return 0, fmt.Errorf("%w: %s has zero size", ErrRecordType, t)
	}
	if t.Align() > 8 {
		return 0, fmt.Errorf("%w: %s needs %d-byte alignment", ErrRecordType, t, t.Align())
	}
	return uint32((t.Size() + 7) &^ 7), nil
}

func checkRecord(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Array:
		return checkRecord(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := range t.NumField() {
			f := t.Field(i)
			if err := checkRecord(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is a %s", ErrRecordType, path, t.Kind())
	}
}

// RecordLayout returns the page geometry for a record ring carrying Req
// requests and Rsp responses.
func RecordLayout[Req, Rsp any](capacity uint32) (Geometry, error) {
	reqStride, err := RecordStride[Req]()
	if err != nil {
		return Geometry{}, err
	}
	rspStride, err := RecordStride[Rsp]()
	if err != nil {
		return Geometry{}, err
	}
	return CalculateLayout(KindRecord, capacity, reqStride, rspStride)
}

// Producer writes records of type T into one lane.
type Producer[T any] struct {
	w    *laneWriter
	pace pacer
}

func newProducer[T any](l *lane, o options) *Producer[T] {
	return &Producer[T]{w: newLaneWriter(l, o), pace: pacer{waiter: o.waiter}}
}

// TryPush copies rec into the next slot and publishes it. It reports
// whether the peer needed a notification; if a Signaler is configured it
// has already been rung.
func (p *Producer[T]) TryPush(rec T) (bool, error) {
	free, err := p.w.space()
	if err != nil {
		return false, err
	}
	if free == 0 {
		return false, ErrFull
	}
	*(*T)(unsafe.Pointer(&p.w.slot(p.w.prodPvt)[0])) = rec
	return p.w.publish(1), nil
}

// Push is TryPush that waits for a free slot until ctx is done.
func (p *Producer[T]) Push(ctx context.Context, rec T) (bool, error) {
	for {
		seen := p.pace.mark()
		notify, err := p.TryPush(rec)
		if !errors.Is(err, ErrFull) {
			p.pace.delay = 0
			return notify, err
		}
		if err := p.pace.pause(ctx, seen); err != nil {
			return false, err
		}
	}
}

// Free returns the number of slots available to the producer.
func (p *Producer[T]) Free() (uint32, error) {
	return p.w.space()
}

// Consumer reads records of type T from one lane.
type Consumer[T any] struct {
	r    *laneReader
	pace pacer
}

func newConsumer[T any](l *lane, o options) *Consumer[T] {
	return &Consumer[T]{r: newLaneReader(l, o), pace: pacer{waiter: o.waiter}}
}

// TryPop returns the oldest published record. It returns ErrEmpty when
// nothing is published and ErrClosed when nothing is published and the ring
// is closed.
func (c *Consumer[T]) TryPop() (T, error) {
	var rec T
	avail, err := c.r.available()
	if err != nil {
		return rec, err
	}
	if avail == 0 {
		return rec, ErrEmpty
	}
	rec = *(*T)(unsafe.Pointer(&c.r.slot(c.r.consPvt)[0]))
	c.r.release(1)
	return rec, nil
}

// Pop is TryPop that waits for a record until ctx is done.
func (c *Consumer[T]) Pop(ctx context.Context) (T, error) {
	for {
		seen := c.pace.mark()
		rec, err := c.TryPop()
		if !errors.Is(err, ErrEmpty) {
			c.pace.delay = 0
			return rec, err
		}
		if err := c.pace.pause(ctx, seen); err != nil {
			return rec, err
		}
	}
}

// Pending returns the number of published records not yet consumed.
func (c *Consumer[T]) Pending() (uint32, error) {
	return c.r.available()
}

// Front is the requesting end of a record ring: it produces requests and
// consumes responses.
type Front[Req, Rsp any] struct {
	shared    *Shared
	signal    Signaler
	Requests  *Producer[Req]
	Responses *Consumer[Rsp]
}

// NewFront formats mem as a record ring with capacity slots per lane.
func NewFront[Req, Rsp any](mem []byte, capacity uint32, opts ...Option) (*Front[Req, Rsp], error) {
	geo, err := RecordLayout[Req, Rsp](capacity)
	if err != nil {
		return nil, err
	}
	s, err := Init(mem, geo)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Front[Req, Rsp]{
		shared:    s,
		signal:    o.signal,
		Requests:  newProducer[Req](s.requestLane(), o),
		Responses: newConsumer[Rsp](s.responseLane(), o),
	}, nil
}

// Shared returns the underlying page view.
func (f *Front[Req, Rsp]) Shared() *Shared { return f.shared }

// Close marks the front side closed and wakes the peer.
func (f *Front[Req, Rsp]) Close() {
	f.shared.Close(FrontSide)
	if f.signal != nil {
		f.signal.Signal()
	}
}

// Back is the offering end of a record ring: it consumes requests and
// produces responses.
type Back[Req, Rsp any] struct {
	shared    *Shared
	signal    Signaler
	Requests  *Consumer[Req]
	Responses *Producer[Rsp]
}

// AttachBack adopts a record ring formatted by the peer. The strides in the
// header must match Req and Rsp exactly.
func AttachBack[Req, Rsp any](mem []byte, opts ...Option) (*Back[Req, Rsp], error) {
	want, err := RecordLayout[Req, Rsp](1)
	if err != nil {
		return nil, err
	}
	s, err := Attach(mem, KindRecord)
	if err != nil {
		return nil, err
	}
	if s.geo.ReqStride != want.ReqStride || s.geo.RspStride != want.RspStride {
		return nil, fmt.Errorf("%w: ring strides %d/%d do not match records %d/%d",
			ErrRecordType, s.geo.ReqStride, s.geo.RspStride, want.ReqStride, want.RspStride)
	}
	o := buildOptions(opts)
	return &Back[Req, Rsp]{
		shared:    s,
		signal:    o.signal,
		Requests:  newConsumer[Req](s.requestLane(), o),
		Responses: newProducer[Rsp](s.responseLane(), o),
	}, nil
}

// Shared returns the underlying page view.
func (b *Back[Req, Rsp]) Shared() *Shared { return b.shared }

// Close marks the back side closed and wakes the peer.
func (b *Back[Req, Rsp]) Close() {
	b.shared.Close(BackSide)
	if b.signal != nil {
		b.signal.Signal()
	}
}
