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
	"time"
)

// maxSleep bounds one futex or poll sleep so a context without a deadline
// is still observed promptly.
const maxSleep = 10 * time.Millisecond

// Event is a notification counter that goroutines can sleep on. Fire
// increments it and wakes every sleeper; Wait sleeps while it still holds
// the value the caller last saw.
type Event struct {
	seq uint32
}

// Seq returns the current notification count.
func (e *Event) Seq() uint32 {
	return atomic.LoadUint32(&e.seq)
}

// Fire records a notification and wakes all waiters.
func (e *Event) Fire() {
	atomic.AddUint32(&e.seq, 1)
	wakeAll(&e.seq)
}

// Wait blocks until Seq() != seen or ctx is done. Callers take seen before
// checking their condition and recheck it after Wait returns.
func (e *Event) Wait(ctx context.Context, seen uint32) error {
	for atomic.LoadUint32(&e.seq) == seen {
		if err := ctx.Err(); err != nil {
			return err
		}
		sleep := maxSleep
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			sleep = min(sleep, remaining)
		}
		if err := sleepOn(&e.seq, seen, sleep); err != nil {
			return err
		}
	}
	return nil
}
