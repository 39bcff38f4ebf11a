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
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/hal"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log *zap.Logger

// Config holds the lifecycle loop tunables.
type Config struct {
	Period            time.Duration
	MaxFailCount      int
	SensorID          byte
	LowThreshold      float64
	HighThreshold     float64
	MinPWM            byte
	MaxPWM            byte
	DefaultOperations bool
}

// Supervisor walks every blade slot once per period and advances its
// lifecycle state from what the hardware reports.
type Supervisor struct {
	reg   *blade.Registry
	bmc   hal.BladeAccess
	cfg   Config
	pacer *Pacer
	now   func() time.Time

	rounds        atomic.Uint64
	lastRound     atomic.Int64
	roundDuration atomic.Int64
}

func New(reg *blade.Registry, bmc hal.BladeAccess, cfg Config) *Supervisor {
	log = zap.L()

	return &Supervisor{
		reg:   reg,
		bmc:   bmc,
		cfg:   cfg,
		pacer: NewPacer(cfg.Period),
		now:   time.Now,
	}
}

// Run executes rounds until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info("blade lifecycle loop started", zap.Int("population", s.reg.Population()),
		zap.Duration("period", s.cfg.Period))

	for {
		if ctx.Err() != nil {
			log.Info("blade lifecycle loop stopped")
			return nil
		}
		s.RunRound(ctx)
	}
}

// RunRound steps every blade once, paced to fit one period.
func (s *Supervisor) RunRound(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in lifecycle round", zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := s.now()
	round := s.pacer.Start(s.reg.Population())

	for id := 1; id <= s.reg.Population(); id++ {
		if ctx.Err() != nil {
			return
		}

		round.Begin()
		if err := s.Step(ctx, id); err != nil {
			log.Error("blade step failed", zap.Int("blade_id", id), zap.Error(err))
		}
		if err := round.Done(ctx); err != nil {
			return
		}
	}

	end := s.now()
	s.roundDuration.Store(int64(end.Sub(start)))
	s.lastRound.Store(end.UnixNano())
	s.rounds.Add(1)
}

// Rounds returns how many complete rounds have run.
func (s *Supervisor) Rounds() uint64 {
	return s.rounds.Load()
}

// LastRound returns when the last complete round ended.
func (s *Supervisor) LastRound() time.Time {
	n := s.lastRound.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Supervisor) LastRoundDuration() time.Duration {
	return time.Duration(s.roundDuration.Load())
}

// Step advances one blade by at most one transition. The blade's lock is held
// for the whole step.
func (s *Supervisor) Step(ctx context.Context, id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in blade step", zap.Int("blade_id", id), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("blade %d step panicked: %v", id, r)
		}
	}()

	return s.reg.Do(ctx, id, func(sl *blade.Slot) error {
		var fresh bool

		switch sl.State() {
		case blade.HardPowerOff:
			s.hardPowerOff(ctx, sl)
		case blade.Initialization:
			s.initialization(ctx, sl)
		case blade.Fail:
			s.fail(ctx, sl)
		case blade.Probation:
			fresh = s.probation(ctx, sl)
		case blade.Healthy:
			fresh = s.healthy(ctx, sl)
		}

		if !fresh {
			sl.ResetPwm()
		}
		return nil
	})
}

func (s *Supervisor) transition(ctx context.Context, sl *blade.Slot, to blade.State) {
	if err := sl.Transition(ctx, to); err != nil {
		log.Error("unable to transition blade", zap.Int("blade_id", sl.ID()), zap.Error(err))
	}
}

func (s *Supervisor) cachePower(sl *blade.Slot, pe hal.PowerEnable) {
	p := blade.CachedPower{State: pe.State}
	if pe.DecompressionRemaining > 0 {
		p.DecompressionDeadline = s.now().Add(pe.DecompressionRemaining)
	}
	sl.SetPower(p)
}

func (s *Supervisor) hardPowerOff(ctx context.Context, sl *blade.Slot) {
	pe, err := s.bmc.ReadPowerEnableState(ctx, sl.ID())
	if err != nil {
		log.Debug("unable to read power enable", zap.Int("blade_id", sl.ID()), zap.Error(err))
		return
	}

	s.cachePower(sl, pe)
	if pe.State == blade.PowerOn {
		s.transition(ctx, sl, blade.Initialization)
	}
}

func (s *Supervisor) initialization(ctx context.Context, sl *blade.Slot) {
	id := sl.ID()

	pe, err := s.bmc.ReadPowerEnableState(ctx, id)
	if err != nil {
		log.Warn("unable to read power enable, using cached state", zap.Int("blade_id", id), zap.Error(err))
	} else {
		s.cachePower(sl, pe)
	}

	power := sl.Power()
	if power.State == blade.PowerOff {
		s.transition(ctx, sl, blade.HardPowerOff)
		return
	}
	if remaining := power.DecompressionRemaining(s.now()); remaining > 0 {
		log.Debug("blade firmware still decompressing", zap.Int("blade_id", id), zap.Duration("remaining", remaining))
		return
	}

	typ, err := s.bmc.Initialize(ctx, id)
	if err != nil {
		log.Warn("blade initialization failed", zap.Int("blade_id", id), zap.Error(err),
			zap.Stringer("completion_code", hal.CodeOf(err)))
		s.transition(ctx, sl, blade.Fail)
		return
	}
	sl.SetType(typ)

	if guid, err := s.bmc.ReadSystemIdentity(ctx, id, true); err == nil {
		sl.SetGUID(guid)
	} else {
		log.Debug("unable to read system identity after initialization", zap.Int("blade_id", id), zap.Error(err))
	}

	s.transition(ctx, sl, blade.Probation)
}

func (s *Supervisor) fail(ctx context.Context, sl *blade.Slot) {
	id := sl.ID()

	count := sl.IncrementFailCount()
	if count > s.cfg.MaxFailCount {
		log.Warn("blade exceeded max fail count, reinitializing", zap.Int("blade_id", id),
			zap.Int("fail_count", count))
		s.transition(ctx, sl, blade.Initialization)
		return
	}

	guid, err := s.bmc.ReadSystemIdentity(ctx, id, false)
	if err == nil && guid != uuid.Nil && guid == sl.GUID() {
		s.transition(ctx, sl, blade.Probation)
		return
	}

	if err == nil {
		log.Info("blade identity changed, reinitializing", zap.Int("blade_id", id),
			zap.Stringer("previous", sl.GUID()), zap.Stringer("current", guid))
		sl.SetGUID(guid)
	}
	s.transition(ctx, sl, blade.Initialization)
}

func (s *Supervisor) probation(ctx context.Context, sl *blade.Slot) bool {
	id := sl.ID()

	if sl.Type() == blade.Jbod {
		guid, err := s.bmc.ReadSystemIdentity(ctx, id, true)
		if err != nil {
			log.Warn("jbod identity probe failed", zap.Int("blade_id", id), zap.Error(err))
			s.transition(ctx, sl, blade.Fail)
			return false
		}
		sl.SetGUID(guid)
		s.transition(ctx, sl, blade.Healthy)
		return false
	}

	if !s.readTemperature(ctx, sl) {
		s.transition(ctx, sl, blade.Fail)
		return false
	}
	s.transition(ctx, sl, blade.Healthy)

	if err := s.bmc.SetDefaultOperations(ctx, id, s.cfg.DefaultOperations); err != nil {
		log.Warn("unable to apply default operations", zap.Int("blade_id", id),
			zap.Bool("enabled", s.cfg.DefaultOperations), zap.Error(err))
	}
	return true
}

func (s *Supervisor) healthy(ctx context.Context, sl *blade.Slot) bool {
	id := sl.ID()

	if sl.Type() == blade.Jbod {
		if _, err := s.bmc.ReadSystemIdentity(ctx, id, true); err != nil {
			log.Warn("jbod identity probe failed", zap.Int("blade_id", id), zap.Error(err))
			s.transition(ctx, sl, blade.Fail)
		}
		return false
	}

	if !s.readTemperature(ctx, sl) {
		s.transition(ctx, sl, blade.Fail)
		return false
	}
	return true
}

// readTemperature reads the blade's inlet sensor and stores the resulting
// PWM requirement.
func (s *Supervisor) readTemperature(ctx context.Context, sl *blade.Slot) bool {
	reading, err := s.bmc.ReadSensor(ctx, sl.ID(), s.cfg.SensorID)
	if err != nil {
		log.Warn("sensor read failed", zap.Int("blade_id", sl.ID()), zap.Uint8("sensor_id", s.cfg.SensorID),
			zap.Error(err), zap.Stringer("completion_code", hal.CodeOf(err)))
		return false
	}

	sl.SetPwm(PwmFromTemperature(reading, s.cfg.LowThreshold, s.cfg.HighThreshold, s.cfg.MinPWM, s.cfg.MaxPWM))
	return true
}
