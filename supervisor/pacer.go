/*
 * Copyright 2025 Comcast Cable Communications Management, LLC
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
 */

package supervisor

import (
	"context"
	"time"
)

// Pacer spreads a batch of items evenly over a fixed budget. Each item gets
// the remaining budget divided by the items left, so a slow item shortens
// the slots of the ones after it instead of stretching the batch.
type Pacer struct {
	budget time.Duration
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

func NewPacer(budget time.Duration) *Pacer {
	return &Pacer{
		budget: budget,
		now:    time.Now,
		sleep:  Sleep,
	}
}

// Budget returns the time a whole batch is given.
func (p *Pacer) Budget() time.Duration {
	return p.budget
}

// Start opens a batch of n items.
func (p *Pacer) Start(n int) *Round {
	if n < 1 {
		n = 1
	}
	return &Round{
		p:         p,
		deadline:  p.now().Add(p.budget),
		remaining: n,
	}
}

// Round is one paced batch.
type Round struct {
	p         *Pacer
	deadline  time.Time
	remaining int
	itemStart time.Time
	slot      time.Duration
}

// Begin marks the start of the next item and fixes its slot.
func (r *Round) Begin() {
	r.itemStart = r.p.now()
	left := r.deadline.Sub(r.itemStart)
	if left < 0 || r.remaining < 1 {
		r.slot = 0
		return
	}
	r.slot = left / time.Duration(r.remaining)
}

// Slot returns the time given to the current item.
func (r *Round) Slot() time.Duration {
	return r.slot
}

// Done waits out whatever is left of the current item's slot. It returns
// the context's error if the wait is interrupted.
func (r *Round) Done(ctx context.Context) error {
	if r.remaining > 0 {
		r.remaining--
	}
	elapsed := r.p.now().Sub(r.itemStart)
	wait := r.slot - elapsed
	if wait <= 0 {
		return ctx.Err()
	}
	return r.p.sleep(ctx, wait)
}

// Sleep blocks for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
