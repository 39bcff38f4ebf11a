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

// Package device runs the chassis housekeeping cycle: fan control, watchdog,
// power supply polling, serial session eviction and the attention LED.
package device

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comcast/chassisd/fan"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/psu"
	"github.com/comcast/chassisd/serial"
	"github.com/comcast/chassisd/supervisor"
	"go.uber.org/zap"
)

var log *zap.Logger

const (
	StepFans     = "fans"
	StepWatchdog = "watchdog"
	StepPsu      = "psu"
	StepSerial   = "serial"
	StepLED      = "led"
)

// Steps lists the cycle steps in execution order.
var Steps = []string{StepFans, StepWatchdog, StepPsu, StepSerial, StepLED}

// Requirements supplies the per-blade fan requirements.
type Requirements interface {
	Requirements() []byte
}

type Config struct {
	Period        time.Duration
	FanMonitoring bool
}

type Loop struct {
	chassis hal.ChassisAccess
	blades  Requirements
	fans    *fan.Controller
	psus    *psu.Registry
	serial  *serial.Manager
	cfg     Config
	pacer   *supervisor.Pacer
	now     func() time.Time

	cycles    atomic.Uint64
	lastCycle atomic.Int64
	led       atomic.Bool

	mu         sync.Mutex
	stepErrors map[string]uint64
}

func NewLoop(chassis hal.ChassisAccess, blades Requirements, fans *fan.Controller, psus *psu.Registry,
	sessions *serial.Manager, cfg Config) *Loop {
	log = zap.L()

	return &Loop{
		chassis:    chassis,
		blades:     blades,
		fans:       fans,
		psus:       psus,
		serial:     sessions,
		cfg:        cfg,
		pacer:      supervisor.NewPacer(cfg.Period),
		now:        time.Now,
		stepErrors: map[string]uint64{},
	}
}

// Run executes cycles, one per period, until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	log.Info("device loop started", zap.Duration("period", l.cfg.Period))

	for {
		if ctx.Err() != nil {
			log.Info("device loop stopped")
			return nil
		}

		round := l.pacer.Start(1)
		round.Begin()
		l.RunCycle(ctx)
		if err := round.Done(ctx); err != nil {
			log.Info("device loop stopped")
			return nil
		}
	}
}

// RunCycle runs every step once. A failing step does not stop the others.
func (l *Loop) RunCycle(ctx context.Context) {
	l.step(ctx, StepFans, func(ctx context.Context) error {
		return l.fans.Apply(ctx, l.blades.Requirements())
	})
	l.step(ctx, StepWatchdog, l.chassis.ResetWatchdog)
	l.step(ctx, StepPsu, func(ctx context.Context) error {
		l.psus.Poll(ctx)
		return nil
	})
	l.step(ctx, StepSerial, func(context.Context) error {
		l.serial.EvictIdle()
		return nil
	})
	l.step(ctx, StepLED, l.updateLED)

	l.lastCycle.Store(l.now().UnixNano())
	l.cycles.Add(1)
}

func (l *Loop) step(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered panic in device step", zap.String("step", name), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			l.countError(name)
		}
	}()

	if err := fn(ctx); err != nil {
		log.Error("device step failed", zap.String("step", name), zap.Error(err))
		l.countError(name)
	}
}

func (l *Loop) countError(name string) {
	l.mu.Lock()
	l.stepErrors[name]++
	l.mu.Unlock()
}

// DesiredLED is the attention LED policy.
func DesiredLED(fanMonitoring, fanFailure, psuFailure bool) bool {
	return (fanMonitoring && fanFailure) || psuFailure
}

func (l *Loop) updateLED(ctx context.Context) error {
	desired := DesiredLED(l.cfg.FanMonitoring, l.fans.FanFailure(), l.psus.Failure())

	current, err := l.chassis.ReadAttentionLED(ctx)
	if err != nil {
		return fmt.Errorf("reading attention led - %w", err)
	}
	l.led.Store(current)
	if current == desired {
		return nil
	}

	if err := l.chassis.SetAttentionLED(ctx, desired); err != nil {
		return fmt.Errorf("setting attention led - %w", err)
	}
	l.led.Store(desired)
	log.Info("attention led changed", zap.Bool("on", desired))
	return nil
}

// LED returns the last known attention LED state.
func (l *Loop) LED() bool {
	return l.led.Load()
}

func (l *Loop) Cycles() uint64 {
	return l.cycles.Load()
}

// LastCycle returns when the last cycle finished.
func (l *Loop) LastCycle() time.Time {
	n := l.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// StepErrors returns how often each step has failed.
func (l *Loop) StepErrors() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]uint64, len(Steps))
	for _, s := range Steps {
		out[s] = l.stepErrors[s]
	}
	return out
}
