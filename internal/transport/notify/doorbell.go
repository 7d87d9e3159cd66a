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
	"sync/atomic"
)

// Doorbell coalesces signals for one bound port. Ring may be called any
// number of times from any goroutine; Serve runs the handler once per batch.
type Doorbell struct {
	pending atomic.Bool
	kick    chan struct{}
}

// NewDoorbell returns a doorbell with nothing pending.
func NewDoorbell() *Doorbell {
	return &Doorbell{kick: make(chan struct{}, 1)}
}

// Ring marks the doorbell pending. It reports false when a signal was
// already pending and this one was coalesced into it.
func (d *Doorbell) Ring() bool {
	if d.pending.Swap(true) {
		return false
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return true
}

// Pending reports whether a signal is waiting to be handled.
func (d *Doorbell) Pending() bool {
	return d.pending.Load()
}

// Serve runs h for port once per batch of signals until ctx is done. The
// pending bit is cleared before h runs so a signal that arrives while h is
// running schedules another call.
func (d *Doorbell) Serve(ctx context.Context, port Port, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			if d.pending.Swap(false) {
				h(port)
			}
		}
	}
}
