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

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/hal/sim"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	minPWM = 20
	maxPWM = 100
)

func newTestSupervisor(population int) (*Supervisor, *blade.Registry, *sim.Chassis) {
	reg := blade.NewRegistry(population, minPWM, maxPWM)
	chassis := sim.New(population, 6, 6)
	s := New(reg, chassis, Config{
		Period:            time.Millisecond,
		MaxFailCount:      2,
		SensorID:          1,
		LowThreshold:      0,
		HighThreshold:     100,
		MinPWM:            minPWM,
		MaxPWM:            maxPWM,
		DefaultOperations: true,
	})
	return s, reg, chassis
}

func step(t *testing.T, s *Supervisor, id int) blade.Record {
	t.Helper()
	require.NoError(t, s.Step(context.Background(), id))
	rec, err := s.reg.Get(id)
	require.NoError(t, err)
	return rec
}

// setFail puts a blade in Fail with the given fail count and GUID.
func setFail(t *testing.T, reg *blade.Registry, id, count int, guid uuid.UUID) {
	t.Helper()
	err := reg.Do(context.Background(), id, func(sl *blade.Slot) error {
		if err := sl.Transition(context.Background(), blade.Initialization); err != nil {
			return err
		}
		if err := sl.Transition(context.Background(), blade.Fail); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			sl.IncrementFailCount()
		}
		sl.SetType(blade.Compute)
		sl.SetGUID(guid)
		return nil
	})
	require.NoError(t, err)
}

func Test_PowerOnToHealthy(t *testing.T) {
	assert := assert.New(t)
	s, _, chassis := newTestSupervisor(1)
	guid := chassis.Blade(1).GUID

	rec := step(t, s, 1)
	assert.Equal(blade.Initialization, rec.State)
	assert.Equal(blade.PowerOn, rec.Power.State)

	rec = step(t, s, 1)
	assert.Equal(blade.Probation, rec.State)
	assert.Equal(blade.Compute, rec.Type)
	assert.Equal(guid, rec.GUID)
	assert.Equal(byte(minPWM), rec.PwmRequirement)

	rec = step(t, s, 1)
	assert.Equal(blade.Healthy, rec.State)
	assert.Equal(0, rec.FailCount)
	assert.Equal(byte(48), rec.PwmRequirement)
	assert.True(chassis.Blade(1).DefaultOps)

	chassis.UpdateBlade(1, func(b *sim.Blade) { b.Temperature = 50 })
	rec = step(t, s, 1)
	assert.Equal(blade.Healthy, rec.State)
	assert.Equal(byte(60), rec.PwmRequirement)
}

func Test_HardPowerOffStaysWhilePoweredOff(t *testing.T) {
	assert := assert.New(t)
	s, _, chassis := newTestSupervisor(1)
	chassis.UpdateBlade(1, func(b *sim.Blade) { b.Power = blade.PowerOff })

	rec := step(t, s, 1)
	assert.Equal(blade.HardPowerOff, rec.State)
	assert.Equal(blade.PowerOff, rec.Power.State)
	assert.Equal(byte(minPWM), rec.PwmRequirement)
}

func Test_InitializationWaitsForDecompression(t *testing.T) {
	assert := assert.New(t)
	s, _, chassis := newTestSupervisor(1)
	chassis.UpdateBlade(1, func(b *sim.Blade) { b.Decompression = time.Minute })

	assert.Equal(blade.Initialization, step(t, s, 1).State)
	assert.Equal(blade.Initialization, step(t, s, 1).State)

	chassis.UpdateBlade(1, func(b *sim.Blade) { b.Decompression = 0 })
	assert.Equal(blade.Probation, step(t, s, 1).State)
}

func Test_InitializationOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*sim.Blade)
		expected blade.State
		typ      blade.Type
	}{
		{
			name:     "powered off during initialization",
			mutate:   func(b *sim.Blade) { b.Power = blade.PowerOff },
			expected: blade.HardPowerOff,
		},
		{
			name:     "handshake fails",
			mutate:   func(b *sim.Blade) { b.InitErr = hal.ErrTimeout },
			expected: blade.Fail,
		},
		{
			name:     "jbod classified",
			mutate:   func(b *sim.Blade) { b.Type = blade.Jbod },
			expected: blade.Probation,
			typ:      blade.Jbod,
		},
		{
			name:     "unknown classification",
			mutate:   func(b *sim.Blade) { b.Type = blade.Unknown },
			expected: blade.Probation,
			typ:      blade.Unknown,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, _, chassis := newTestSupervisor(1)
			require.Equal(t, blade.Initialization, step(t, s, 1).State)

			chassis.UpdateBlade(1, test.mutate)
			rec := step(t, s, 1)
			assert.Equal(t, test.expected, rec.State)
			if test.expected == blade.Probation {
				assert.Equal(t, test.typ, rec.Type)
			}
		})
	}
}

func Test_InitializationUsesCachedPowerWhenReadFails(t *testing.T) {
	assert := assert.New(t)
	s, _, chassis := newTestSupervisor(1)
	assert.Equal(blade.Initialization, step(t, s, 1).State)

	chassis.UpdateBlade(1, func(b *sim.Blade) { b.PowerErr = hal.ErrBusy })
	assert.Equal(blade.Probation, step(t, s, 1).State)
}

func Test_FailWithSameIdentityReturnsToHealthy(t *testing.T) {
	assert := assert.New(t)
	s, reg, chassis := newTestSupervisor(1)
	b := chassis.Blade(1)
	setFail(t, reg, 1, s.cfg.MaxFailCount-1, b.GUID)

	rec := step(t, s, 1)
	assert.Equal(blade.Probation, rec.State)
	assert.Equal(s.cfg.MaxFailCount, rec.FailCount)
	assert.Equal(b.IdentityCalls+1, chassis.Blade(1).IdentityCalls)

	rec = step(t, s, 1)
	assert.Equal(blade.Healthy, rec.State)
	assert.Equal(0, rec.FailCount)
	assert.Equal(byte(48), rec.PwmRequirement)
}

func Test_FailOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		guid     func(b sim.Blade) uuid.UUID
		mutate   func(*sim.Blade)
		expected blade.State
	}{
		{
			name:     "fail count exceeded",
			count:    2,
			guid:     func(b sim.Blade) uuid.UUID { return b.GUID },
			expected: blade.Initialization,
		},
		{
			name:     "identity changed",
			count:    0,
			guid:     func(sim.Blade) uuid.UUID { return uuid.New() },
			expected: blade.Initialization,
		},
		{
			name:     "identity probe fails",
			count:    0,
			guid:     func(b sim.Blade) uuid.UUID { return b.GUID },
			mutate:   func(b *sim.Blade) { b.IdentityErr = hal.ErrBusy },
			expected: blade.Initialization,
		},
		{
			name:     "no identity known",
			count:    0,
			guid:     func(sim.Blade) uuid.UUID { return uuid.Nil },
			mutate:   func(b *sim.Blade) { b.GUID = uuid.Nil },
			expected: blade.Initialization,
		},
		{
			name:     "same identity",
			count:    1,
			guid:     func(b sim.Blade) uuid.UUID { return b.GUID },
			expected: blade.Probation,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s, reg, chassis := newTestSupervisor(1)
			setFail(t, reg, 1, test.count, test.guid(chassis.Blade(1)))
			if test.mutate != nil {
				chassis.UpdateBlade(1, test.mutate)
			}

			rec := step(t, s, 1)
			assert.Equal(t, test.expected, rec.State)
			assert.Equal(t, test.count+1, rec.FailCount)
			assert.Equal(t, byte(minPWM), rec.PwmRequirement)
		})
	}
}

func Test_FailIdentityProbeDoesNotRetry(t *testing.T) {
	s, reg, chassis := newTestSupervisor(1)
	setFail(t, reg, 1, 0, chassis.Blade(1).GUID)
	chassis.UpdateBlade(1, func(b *sim.Blade) {
		b.IdentityErr = hal.ErrBusy
		b.IdentityCalls = 0
	})

	step(t, s, 1)
	assert.Equal(t, 1, chassis.Blade(1).IdentityCalls)
}

func Test_HealthySensorFailure(t *testing.T) {
	assert := assert.New(t)
	s, _, chassis := newTestSupervisor(1)
	for i := 0; i < 3; i++ {
		step(t, s, 1)
	}
	chassis.UpdateBlade(1, func(b *sim.Blade) { b.Temperature = 90 })
	rec := step(t, s, 1)
	require.Equal(t, blade.Healthy, rec.State)
	assert.Equal(byte(92), rec.PwmRequirement)

	chassis.UpdateBlade(1, func(b *sim.Blade) { b.SensorErr = hal.ErrTimeout })
	rec = step(t, s, 1)
	assert.Equal(blade.Fail, rec.State)
	assert.Equal(byte(minPWM), rec.PwmRequirement)
}

func Test_JbodLifecycle(t *testing.T) {
	assert := assert.New(t)
	s, _, chassis := newTestSupervisor(1)
	chassis.UpdateBlade(1, func(b *sim.Blade) {
		b.Type = blade.Jbod
		b.Temperature = 90
	})

	step(t, s, 1)
	step(t, s, 1)
	rec := step(t, s, 1)
	assert.Equal(blade.Healthy, rec.State)
	assert.Equal(byte(minPWM), rec.PwmRequirement)

	rec = step(t, s, 1)
	assert.Equal(blade.Healthy, rec.State)

	chassis.UpdateBlade(1, func(b *sim.Blade) { b.IdentityErr = hal.ErrCommunication })
	rec = step(t, s, 1)
	assert.Equal(blade.Fail, rec.State)
}

func Test_UnknownTypeIsProbedAsCompute(t *testing.T) {
	s, _, chassis := newTestSupervisor(1)
	chassis.UpdateBlade(1, func(b *sim.Blade) {
		b.Type = blade.Unknown
		b.Temperature = 50
	})

	step(t, s, 1)
	step(t, s, 1)
	rec := step(t, s, 1)
	assert.Equal(t, blade.Healthy, rec.State)
	assert.Equal(t, byte(60), rec.PwmRequirement)
}

type panickingBMC struct {
	*sim.Chassis
}

func (panickingBMC) ReadPowerEnableState(context.Context, int) (hal.PowerEnable, error) {
	panic("bus exploded")
}

func Test_StepRecoversPanic(t *testing.T) {
	reg := blade.NewRegistry(2, minPWM, maxPWM)
	s := New(reg, panickingBMC{sim.New(2, 6, 6)}, Config{Period: time.Millisecond, MinPWM: minPWM, MaxPWM: maxPWM})

	assert.NotPanics(t, func() {
		assert.Error(t, s.Step(context.Background(), 1))
	})

	// the lock is released after a panic
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, reg.Do(ctx, 1, func(*blade.Slot) error { return nil }))

	assert.NotPanics(t, func() { s.RunRound(context.Background()) })
	assert.Equal(t, uint64(1), s.Rounds())
}

func Test_RunRoundKeepsInvariants(t *testing.T) {
	assert := assert.New(t)
	s, reg, chassis := newTestSupervisor(8)
	chassis.UpdateBlade(3, func(b *sim.Blade) { b.Power = blade.PowerOff })
	chassis.UpdateBlade(5, func(b *sim.Blade) { b.SensorErr = hal.ErrTimeout })
	chassis.UpdateBlade(7, func(b *sim.Blade) { b.Temperature = 150 })

	for i := 0; i < 6; i++ {
		s.RunRound(context.Background())
		for _, rec := range reg.All() {
			assert.Contains(blade.States, rec.State)
			assert.GreaterOrEqual(rec.PwmRequirement, byte(minPWM))
			assert.LessOrEqual(rec.PwmRequirement, byte(maxPWM))
		}
	}

	assert.Equal(uint64(6), s.Rounds())
	assert.False(s.LastRound().IsZero())

	recs := reg.All()
	assert.Equal(blade.Healthy, recs[0].State)
	assert.Equal(blade.HardPowerOff, recs[2].State)
	assert.NotEqual(blade.Healthy, recs[4].State)
	assert.Equal(blade.Healthy, recs[6].State)
	assert.Equal(byte(minPWM), recs[6].PwmRequirement)
}

func Test_RunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestSupervisor(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle loop did not stop")
	}
}
