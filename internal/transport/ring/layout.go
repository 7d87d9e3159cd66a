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
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic identifies an initialised shared ring page ("PVCR").
	Magic = uint32(0x52435650)

	// Version is the current layout version.
	Version = uint32(1)

	// HeaderSize is the size of the shared header. The request lane starts
	// immediately after it.
	HeaderSize = 64
)

// Kind distinguishes fixed-record rings from byte-stream rings.
type Kind uint32

const (
	// KindRecord rings carry fixed-size records, one per slot.
	KindRecord Kind = 1
	// KindStream rings carry a byte stream with one byte per slot.
	KindStream Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindStream:
		return "stream"
	default:
		return fmt.Sprintf("Kind(%d)", uint32(k))
	}
}

// Side identifies which end of a shared ring closed it.
type Side uint32

const (
	// FrontSide is the requesting end that initialised the page.
	FrontSide Side = 1 << iota
	// BackSide is the offering end that attached to it.
	BackSide
)

func (s Side) String() string {
	switch s {
	case FrontSide:
		return "front"
	case BackSide:
		return "back"
	default:
		return fmt.Sprintf("Side(%d)", uint32(s))
	}
}

// header is the shared page header. Producer indices are written only by
// the lane's writer and consumer indices only by its reader.
type header struct {
	reqCons   uint32   // 0x00: request consumer index
	reqProd   uint32   // 0x04: request producer index
	rspCons   uint32   // 0x08: response consumer index
	rspProd   uint32   // 0x0C: response producer index
	magic     uint32   // 0x10: Magic
	version   uint32   // 0x14: Version
	reqStride uint32   // 0x18: request slot stride in bytes
	rspStride uint32   // 0x1C: response slot stride in bytes
	capacity  uint32   // 0x20: slots per lane (power of two)
	closed    uint32   // 0x24: Side bits of closed ends
	kind      uint32   // 0x28: Kind
	reserved  [20]byte // 0x2C-0x3F
}

// Compile-time check that the header occupies exactly HeaderSize bytes.
var _ [HeaderSize - unsafe.Sizeof(header{})]struct{}
var _ [unsafe.Sizeof(header{}) - HeaderSize]struct{}

// Geometry describes where each lane lives inside the shared page.
type Geometry struct {
	Kind      Kind
	Capacity  uint32
	ReqStride uint32
	RspStride uint32
	ReqOffset uint32
	RspOffset uint32
	Size      uint32
}

// IsPowerOfTwo returns true if n is a power of two
func IsPowerOfTwo(n uint32) bool {
	return n > 0 && (n&(n-1)) == 0
}

// NextPowerOfTwo returns the next power of two >= n
func NextPowerOfTwo(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

// CalculateLayout computes the lane offsets for a ring with the given
// number of slots per lane and slot strides.
func CalculateLayout(kind Kind, capacity, reqStride, rspStride uint32) (Geometry, error) {
	if !IsPowerOfTwo(capacity) {
		return Geometry{}, fmt.Errorf("ring capacity %d is not a power of two", capacity)
	}
	if reqStride == 0 || rspStride == 0 {
		return Geometry{}, fmt.Errorf("slot stride must be non-zero")
	}
	reqBytes := uint64(capacity) * uint64(reqStride)
	rspOff := alignTo64(HeaderSize + reqBytes)
	size := alignTo64(rspOff + uint64(capacity)*uint64(rspStride))
	if size > 1<<31 {
		return Geometry{}, fmt.Errorf("ring of %d slots is too large", capacity)
	}
	return Geometry{
		Kind:      kind,
		Capacity:  capacity,
		ReqStride: reqStride,
		RspStride: rspStride,
		ReqOffset: HeaderSize,
		RspOffset: uint32(rspOff),
		Size:      uint32(size),
	}, nil
}

// alignTo64 aligns a size to 64-byte boundary
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// Shared is a typed view of a shared ring page. It stores no Go pointers
// into the page other than the backing slice.
type Shared struct {
	mem []byte
	geo Geometry
}

// Init formats mem as a new ring page. It is called by the requesting side
// before the page is granted.
func Init(mem []byte, geo Geometry) (*Shared, error) {
	if !IsPowerOfTwo(geo.Capacity) || geo.Size < HeaderSize {
		return nil, fmt.Errorf("invalid ring geometry %+v", geo)
	}
	if uint64(len(mem)) < uint64(geo.Size) {
		return nil, fmt.Errorf("ring needs %d bytes, page has %d", geo.Size, len(mem))
	}
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("page of %d bytes cannot hold a ring header", len(mem))
	}
	clear(mem[:geo.Size])

	s := &Shared{mem: mem, geo: geo}
	h := s.header()
	h.reqStride = geo.ReqStride
	h.rspStride = geo.RspStride
	h.capacity = geo.Capacity
	h.kind = uint32(geo.Kind)
	h.version = Version
	// Magic last: an attaching peer that sees it also sees the geometry.
	atomic.StoreUint32(&h.magic, Magic)
	return s, nil
}

// Attach validates and adopts a ring page initialised by the peer.
func Attach(mem []byte, kind Kind) (*Shared, error) {
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("page of %d bytes cannot hold a ring header", len(mem))
	}
	h := (*header)(unsafe.Pointer(&mem[0]))
	if m := atomic.LoadUint32(&h.magic); m != Magic {
		return nil, fmt.Errorf("invalid ring magic %#x", m)
	}
	if v := atomic.LoadUint32(&h.version); v != Version {
		return nil, fmt.Errorf("unsupported ring version %d, expected %d", v, Version)
	}
	if k := Kind(atomic.LoadUint32(&h.kind)); k != kind {
		return nil, fmt.Errorf("ring kind is %s, expected %s", k, kind)
	}
	geo, err := CalculateLayout(kind,
		atomic.LoadUint32(&h.capacity),
		atomic.LoadUint32(&h.reqStride),
		atomic.LoadUint32(&h.rspStride))
	if err != nil {
		return nil, fmt.Errorf("invalid ring geometry: %w", err)
	}
	if uint64(geo.Size) > uint64(len(mem)) {
		return nil, fmt.Errorf("ring geometry needs %d bytes, page has %d", geo.Size, len(mem))
	}
	return &Shared{mem: mem, geo: geo}, nil
}

func (s *Shared) header() *header {
	return (*header)(unsafe.Pointer(&s.mem[0]))
}

// Geometry returns the page layout.
func (s *Shared) Geometry() Geometry {
	return s.geo
}

// Close marks side as closed and returns the previous closed bits.
func (s *Shared) Close(side Side) Side {
	return Side(atomic.OrUint32(&s.header().closed, uint32(side)))
}

// Closed reports whether either side has closed the ring.
func (s *Shared) Closed() bool {
	return atomic.LoadUint32(&s.header().closed) != 0
}

// ClosedBy returns the Side bits of the ends that have closed the ring.
func (s *Shared) ClosedBy() Side {
	return Side(atomic.LoadUint32(&s.header().closed))
}

func (s *Shared) requestLane() *lane {
	h := s.header()
	return &lane{
		name:   "request",
		mem:    s.mem,
		prod:   &h.reqProd,
		cons:   &h.reqCons,
		closed: &h.closed,
		off:    s.geo.ReqOffset,
		stride: s.geo.ReqStride,
		size:   s.geo.Capacity,
		mask:   s.geo.Capacity - 1,
	}
}

func (s *Shared) responseLane() *lane {
	h := s.header()
	return &lane{
		name:   "response",
		mem:    s.mem,
		prod:   &h.rspProd,
		cons:   &h.rspCons,
		closed: &h.closed,
		off:    s.geo.RspOffset,
		stride: s.geo.RspStride,
		size:   s.geo.Capacity,
		mask:   s.geo.Capacity - 1,
	}
}

// RingState represents a snapshot of the shared indices for debugging and
// diagnostics.
type RingState struct {
	Kind     Kind
	Capacity uint32
	ReqProd  uint32
	ReqCons  uint32
	RspProd  uint32
	RspCons  uint32
	ClosedBy Side
}

// RequestsPending returns the number of unconsumed request slots.
func (s RingState) RequestsPending() uint32 { return s.ReqProd - s.ReqCons }

// ResponsesPending returns the number of unconsumed response slots.
func (s RingState) ResponsesPending() uint32 { return s.RspProd - s.RspCons }

func (s RingState) String() string {
	return fmt.Sprintf("%s ring cap=%d req=%d/%d (prod=%d cons=%d) rsp=%d/%d (prod=%d cons=%d) closed=%d",
		s.Kind, s.Capacity,
		s.RequestsPending(), s.Capacity, s.ReqProd, s.ReqCons,
		s.ResponsesPending(), s.Capacity, s.RspProd, s.RspCons,
		uint32(s.ClosedBy))
}

// DebugState returns a snapshot of the current ring state. Each index is
// loaded atomically but the snapshot as a whole is not.
func (s *Shared) DebugState() RingState {
	h := s.header()
	return RingState{
		Kind:     s.geo.Kind,
		Capacity: s.geo.Capacity,
		ReqProd:  atomic.LoadUint32(&h.reqProd),
		ReqCons:  atomic.LoadUint32(&h.reqCons),
		RspProd:  atomic.LoadUint32(&h.rspProd),
		RspCons:  atomic.LoadUint32(&h.rspCons),
		ClosedBy: Side(atomic.LoadUint32(&h.closed)),
	}
}
