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

// Command ring-capacity prints the page geometry of the configured rings and
// shows where back-pressure sets in.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/SilentAlice/pvchan/internal/config"
	"github.com/SilentAlice/pvchan/internal/grant"
	"github.com/SilentAlice/pvchan/internal/transport/ring"
)

type sample struct {
	Seq   uint32
	Value int64
}

func main() {
	cfg := config.LoadOrDefault()

	page, err := grant.AllocPage()
	if err != nil {
		log.Fatalf("Failed to allocate page: %v", err)
	}
	defer page.Free()

	fmt.Printf("=== Geometry ===\n")
	fmt.Printf("Page size: %d bytes\n", grant.PageSize)
	geo, err := ring.RecordLayout[sample, sample](cfg.Ring.Capacity)
	printGeometry("record", geo, err)
	geo, err = ring.StreamLayout(cfg.Ring.StreamCapacity)
	printGeometry("stream", geo, err)

	streamCapacity(page.Bytes(), cfg.Ring.StreamCapacity)
	recordBackpressure(page.Bytes(), cfg.Ring.Capacity)
}

func printGeometry(name string, geo ring.Geometry, err error) {
	if err != nil {
		fmt.Printf("%s ring: %v\n", name, err)
		return
	}
	fits := "fits"
	if geo.Size > grant.PageSize {
		fits = "DOES NOT FIT"
	}
	fmt.Printf("%s ring: %d slots, strides %d/%d, lanes at %d/%d, %d bytes (%s a page)\n",
		name, geo.Capacity, geo.ReqStride, geo.RspStride, geo.ReqOffset, geo.RspOffset, geo.Size, fits)
}

func streamCapacity(mem []byte, capacity uint32) {
	front, err := ring.NewStreamFront(mem, capacity)
	if err != nil {
		fmt.Printf("stream ring: %v\n", err)
		return
	}
	back, err := ring.AttachStreamBack(mem)
	if err != nil {
		log.Fatalf("Failed to attach stream ring: %v", err)
	}

	fmt.Printf("\n=== Single Write Tests ===\n")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for _, size := range []int{10, 100, 500, 1000, 2048, 4096, 8192} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i % 256)
		}
		n, err := front.Out.TryWrite(data)
		if err != nil || n < size {
			fmt.Printf("Size %d bytes: %d accepted in one write (%v)\n", size, n, err)
		} else {
			fmt.Printf("Size %d bytes: OK\n", size)
		}
		if _, err := back.In.Discard(ctx, n); err != nil {
			log.Fatalf("Failed to drain: %v", err)
		}
	}

	fmt.Printf("\n=== Backpressure Test ===\n")
	chunk := make([]byte, 100)
	total := 0
	for i := 0; ; i++ {
		n, err := front.Out.TryWrite(chunk)
		total += n
		if errors.Is(err, ring.ErrFull) || n < len(chunk) {
			fmt.Printf("Full after %d bytes (%d chunks)\n", total, i+1)
			break
		}
		if err != nil {
			log.Fatalf("Write failed: %v", err)
		}
	}
	fmt.Printf("Ring state: %s\n", front.Shared().DebugState())
}

func recordBackpressure(mem []byte, capacity uint32) {
	front, err := ring.NewFront[sample, sample](mem, capacity)
	if err != nil {
		fmt.Printf("record ring: %v\n", err)
		return
	}
	back, err := ring.AttachBack[sample, sample](mem)
	if err != nil {
		log.Fatalf("Failed to attach record ring: %v", err)
	}

	fmt.Printf("\n=== Record Notify Elision ===\n")
	var pushed, notified int
	for {
		notify, err := front.Requests.TryPush(sample{Seq: uint32(pushed)})
		if errors.Is(err, ring.ErrFull) {
			break
		}
		if err != nil {
			log.Fatalf("Push failed: %v", err)
		}
		pushed++
		if notify {
			notified++
		}
	}
	fmt.Printf("Pushed %d records before the ring filled, %d needed a notification\n", pushed, notified)

	drained := 0
	for {
		if _, err := back.Requests.TryPop(); err != nil {
			break
		}
		drained++
	}
	fmt.Printf("Drained %d records\n", drained)
	fmt.Printf("Ring state: %s\n", front.Shared().DebugState())
}
