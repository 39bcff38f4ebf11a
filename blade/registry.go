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

package blade

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidBlade      = errors.New("invalid blade id")
	ErrIllegalTransition = errors.New("illegal blade state transition")

	log *zap.Logger
)

// transitions is the lifecycle edge table. Events are named after their
// destination state.
var transitions = fsm.Events{
	{Name: HardPowerOff.String(), Src: []string{Initialization.String(), Probation.String(), Healthy.String(), Fail.String()}, Dst: HardPowerOff.String()},
	{Name: Initialization.String(), Src: []string{HardPowerOff.String(), Fail.String()}, Dst: Initialization.String()},
	{Name: Probation.String(), Src: []string{Initialization.String(), Fail.String()}, Dst: Probation.String()},
	{Name: Healthy.String(), Src: []string{Probation.String()}, Dst: Healthy.String()},
	{Name: Fail.String(), Src: []string{Initialization.String(), Probation.String(), Healthy.String()}, Dst: Fail.String()},
}

type slot struct {
	sem      *semaphore.Weighted
	rec      Record
	machine  *fsm.FSM
	snapshot atomic.Pointer[Record]
}

// Registry owns one record per blade slot, each guarded by its own lock.
// Readers get the last committed snapshot and never wait on a slot that is
// busy with hardware I/O.
type Registry struct {
	slots  []*slot
	minPWM byte
	maxPWM byte
	now    func() time.Time
}

// NewRegistry creates a registry of population slots, numbered 1..population,
// all starting in HardPowerOff with the minimum PWM requirement.
func NewRegistry(population int, minPWM, maxPWM byte) *Registry {
	log = zap.L()

	r := &Registry{
		slots:  make([]*slot, population),
		minPWM: minPWM,
		maxPWM: maxPWM,
		now:    time.Now,
	}

	for i := range r.slots {
		id := i + 1
		s := &slot{
			sem: semaphore.NewWeighted(1),
			rec: Record{
				ID:             id,
				State:          HardPowerOff,
				Type:           Unknown,
				PwmRequirement: minPWM,
				Power:          CachedPower{State: PowerUnknown},
			},
		}
		s.machine = fsm.NewFSM(
			HardPowerOff.String(),
			transitions,
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					log.Info("blade state changed", zap.Int("blade_id", id),
						zap.String("from", e.Src), zap.String("to", e.Dst))
				},
			},
		)
		rec := s.rec
		s.snapshot.Store(&rec)
		r.slots[i] = s
	}

	return r
}

// Population returns the number of blade slots.
func (r *Registry) Population() int {
	return len(r.slots)
}

func (r *Registry) slot(id int) (*slot, error) {
	if id < 1 || id > len(r.slots) {
		return nil, fmt.Errorf("blade %d - %w", id, ErrInvalidBlade)
	}
	return r.slots[id-1], nil
}

// Get returns the last committed record for a blade.
func (r *Registry) Get(id int) (Record, error) {
	s, err := r.slot(id)
	if err != nil {
		return Record{}, err
	}
	return *s.snapshot.Load(), nil
}

// All returns the last committed record of every blade, ordered by id.
func (r *Registry) All() []Record {
	out := make([]Record, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, *s.snapshot.Load())
	}
	return out
}

// Requirements returns the committed PWM requirement of every blade.
func (r *Registry) Requirements() []byte {
	out := make([]byte, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s.snapshot.Load().PwmRequirement)
	}
	return out
}

// Acquire locks a blade slot. The returned Slot must be released.
func (r *Registry) Acquire(ctx context.Context, id int) (*Slot, error) {
	s, err := r.slot(id)
	if err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("blade %d lock - %w", id, err)
	}
	return &Slot{r: r, s: s}, nil
}

// Do runs fn while holding the blade's lock.
func (r *Registry) Do(ctx context.Context, id int, fn func(*Slot) error) error {
	sl, err := r.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer sl.Release()
	return fn(sl)
}

// Slot is exclusive access to one blade record. All mutation goes through
// a Slot so every read-decide-write happens in one critical section.
type Slot struct {
	r        *Registry
	s        *slot
	released bool
}

// Release publishes the record and unlocks the slot.
func (sl *Slot) Release() {
	if sl.released {
		return
	}
	sl.released = true
	rec := sl.s.rec
	sl.s.snapshot.Store(&rec)
	sl.s.sem.Release(1)
}

func (sl *Slot) ID() int                { return sl.s.rec.ID }
func (sl *Slot) State() State           { return sl.s.rec.State }
func (sl *Slot) Type() Type             { return sl.s.rec.Type }
func (sl *Slot) SetType(t Type)         { sl.s.rec.Type = t }
func (sl *Slot) FailCount() int         { return sl.s.rec.FailCount }
func (sl *Slot) Power() CachedPower     { return sl.s.rec.Power }
func (sl *Slot) SetPower(p CachedPower) { sl.s.rec.Power = p }
func (sl *Slot) GUID() uuid.UUID        { return sl.s.rec.GUID }
func (sl *Slot) SetGUID(g uuid.UUID)    { sl.s.rec.GUID = g }
func (sl *Slot) Record() Record         { return sl.s.rec }

// IncrementFailCount bumps the consecutive failure counter and returns it.
func (sl *Slot) IncrementFailCount() int {
	sl.s.rec.FailCount++
	return sl.s.rec.FailCount
}

// SetPwm stores the blade's fan requirement clamped to the configured range.
func (sl *Slot) SetPwm(pwm byte) {
	if pwm < sl.r.minPWM {
		pwm = sl.r.minPWM
	}
	if pwm > sl.r.maxPWM {
		pwm = sl.r.maxPWM
	}
	sl.s.rec.PwmRequirement = pwm
}

// ResetPwm drops the requirement to the minimum.
func (sl *Slot) ResetPwm() {
	sl.s.rec.PwmRequirement = sl.r.minPWM
}

// Transition moves the blade to a new state if the edge is legal. Moving to
// the current state is a no-op. Entering Healthy clears the fail count.
func (sl *Slot) Transition(ctx context.Context, to State) error {
	from := sl.s.rec.State
	if from == to {
		return nil
	}

	if err := sl.s.machine.Event(ctx, to.String()); err != nil {
		return fmt.Errorf("blade %d %s -> %s - %w (%v)", sl.s.rec.ID, from, to, ErrIllegalTransition, err)
	}

	sl.s.rec.State = to
	sl.s.rec.LastTransition = sl.r.now()
	if to == Healthy {
		sl.s.rec.FailCount = 0
	}

	return nil
}
