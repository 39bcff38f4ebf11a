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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func (f *fakeClock) now() time.Time {
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func (f *fakeClock) sleep(_ context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	f.advance(d)
	return nil
}

func newFakePacer(budget time.Duration) (*Pacer, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPacer(budget)
	p.now = clock.now
	p.sleep = clock.sleep
	return p, clock
}

func Test_PacerSpreadsItemsEvenly(t *testing.T) {
	assert := assert.New(t)
	p, clock := newFakePacer(10 * time.Second)

	round := p.Start(4)
	for i := 0; i < 4; i++ {
		round.Begin()
		clock.advance(500 * time.Millisecond)
		assert.NoError(round.Done(context.Background()))
	}

	assert.Equal([]time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, clock.slept)
	assert.Equal(10*time.Second, clock.t.Sub(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func Test_PacerSlowItemStealsFromBudget(t *testing.T) {
	assert := assert.New(t)
	p, clock := newFakePacer(10 * time.Second)
	start := clock.t

	round := p.Start(4)

	round.Begin()
	assert.Equal(2500*time.Millisecond, round.Slot())
	clock.advance(4 * time.Second)
	assert.NoError(round.Done(context.Background()))
	assert.Empty(clock.slept)

	for i := 0; i < 3; i++ {
		round.Begin()
		assert.Equal(2*time.Second, round.Slot())
		assert.NoError(round.Done(context.Background()))
	}

	assert.Equal(10*time.Second, clock.t.Sub(start))
}

func Test_PacerOverrunDoesNotSleep(t *testing.T) {
	assert := assert.New(t)
	p, clock := newFakePacer(time.Second)

	round := p.Start(2)
	round.Begin()
	clock.advance(3 * time.Second)
	assert.NoError(round.Done(context.Background()))

	round.Begin()
	assert.Equal(time.Duration(0), round.Slot())
	assert.NoError(round.Done(context.Background()))
	assert.Empty(clock.slept)
}

func Test_SleepIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
