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

// Package chassis wires the blade lifecycle supervisor and the device loop
// together and serializes inbound operations against them.
package chassis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/config"
	"github.com/comcast/chassisd/device"
	"github.com/comcast/chassisd/fan"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/psu"
	"github.com/comcast/chassisd/serial"
	"github.com/comcast/chassisd/supervisor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("chassis manager already started")
	ErrStopTimeout    = errors.New("timed out waiting for chassis loops to stop")

	log *zap.Logger
)

type Manager struct {
	cfg     *config.Config
	bmc     hal.BladeAccess
	chassis hal.ChassisAccess

	blades     *blade.Registry
	supervisor *supervisor.Supervisor
	fans       *fan.Controller
	psus       *psu.Registry
	serial     *serial.Manager
	device     *device.Loop
	now        func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewManager(cfg *config.Config, bmc hal.BladeAccess, chassis hal.ChassisAccess) *Manager {
	log = zap.L()

	blades := blade.NewRegistry(cfg.Chassis.Population, cfg.Fans.MinPWM, cfg.Fans.MaxPWM)

	sup := supervisor.New(blades, bmc, supervisor.Config{
		Period:            cfg.Lifecycle.Period,
		MaxFailCount:      cfg.Lifecycle.MaxFailCount,
		SensorID:          cfg.Lifecycle.SensorID,
		LowThreshold:      cfg.Lifecycle.LowThreshold,
		HighThreshold:     cfg.Lifecycle.HighThreshold,
		MinPWM:            cfg.Fans.MinPWM,
		MaxPWM:            cfg.Fans.MaxPWM,
		DefaultOperations: cfg.Chassis.DefaultOperations,
	})

	fans := fan.NewController(chassis, fan.Config{
		Fans:               cfg.Fans.Count,
		MinPWM:             cfg.Fans.MinPWM,
		MaxPWM:             cfg.Fans.MaxPWM,
		StepPWM:            cfg.Fans.StepPWM,
		MinRPM:             cfg.Fans.MinRPM,
		AltitudeFeet:       cfg.Chassis.AltitudeFeet,
		AltitudeCorrection: cfg.Chassis.AltitudeCorrection,
	})

	psus := psu.NewRegistry(chassis, cfg.Chassis.PsuCount, cfg.Chassis.PsuPollConcurrency, cfg.Chassis.PsuReadTimeout)

	var console hal.ConsoleAccess
	if c, ok := chassis.(hal.ConsoleAccess); ok {
		console = c
	}
	sessions := serial.NewManager(console, cfg.Serial.InactivityTimeout)

	loop := device.NewLoop(chassis, blades, fans, psus, sessions, device.Config{
		Period:        cfg.Device.Period,
		FanMonitoring: cfg.Fans.MonitoringEnabled,
	})

	return &Manager{
		cfg:        cfg,
		bmc:        bmc,
		chassis:    chassis,
		blades:     blades,
		supervisor: sup,
		fans:       fans,
		psus:       psus,
		serial:     sessions,
		device:     loop,
		now:        time.Now,
	}
}

// Start launches the lifecycle and device loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)
	m.group.Go(func() error { return m.supervisor.Run(ctx) })
	m.group.Go(func() error { return m.device.Run(ctx) })
	m.started = true

	log.Info("chassis manager started", zap.Int("population", m.blades.Population()),
		zap.Int("fans", m.cfg.Fans.Count), zap.Int("psus", m.psus.Count()))
	return nil
}

// Stop cancels both loops and waits up to timeout for them to return.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel, group := m.cancel, m.group
	m.mu.Unlock()

	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	defer m.serial.CloseAll()

	select {
	case err := <-done:
		log.Info("chassis manager stopped")
		return err
	case <-time.After(timeout):
		log.Error("chassis loops did not stop in time", zap.Duration("timeout", timeout))
		return ErrStopTimeout
	}
}

func (m *Manager) Blades() *blade.Registry            { return m.blades }
func (m *Manager) Supervisor() *supervisor.Supervisor { return m.supervisor }
func (m *Manager) Device() *device.Loop               { return m.device }
func (m *Manager) Psus() *psu.Registry                { return m.psus }
func (m *Manager) Config() *config.Config             { return m.cfg }

// PowerOn enables power to a blade. A blade in HardPowerOff moves to
// Initialization with a fresh decompression deadline.
func (m *Manager) PowerOn(ctx context.Context, id int) (blade.Record, error) {
	var rec blade.Record
	err := m.blades.Do(ctx, id, func(sl *blade.Slot) error {
		if err := m.bmc.SetPowerEnable(ctx, id, true); err != nil {
			return fmt.Errorf("blade %d power on - %w", id, err)
		}

		pe, err := m.bmc.ReadPowerEnableState(ctx, id)
		if err != nil {
			log.Warn("unable to read power enable after power on, assuming full decompression",
				zap.Int("blade_id", id), zap.Error(err))
			pe = hal.PowerEnable{State: blade.PowerOn, DecompressionRemaining: m.cfg.Chassis.DecompressionTime}
		}
		p := blade.CachedPower{State: pe.State}
		if pe.DecompressionRemaining > 0 {
			p.DecompressionDeadline = m.now().Add(pe.DecompressionRemaining)
		}
		sl.SetPower(p)

		if sl.State() == blade.HardPowerOff && pe.State == blade.PowerOn {
			if err := sl.Transition(ctx, blade.Initialization); err != nil {
				return err
			}
		}
		rec = sl.Record()
		return nil
	})
	if err != nil {
		return blade.Record{}, err
	}

	log.Info("blade powered on", zap.Int("blade_id", id), zap.Stringer("state", rec.State))
	return rec, nil
}

// PowerOff removes power from a blade. The blade moves to HardPowerOff from
// any state and stops contributing to the fan command.
func (m *Manager) PowerOff(ctx context.Context, id int) (blade.Record, error) {
	var rec blade.Record
	err := m.blades.Do(ctx, id, func(sl *blade.Slot) error {
		if err := m.bmc.SetPowerEnable(ctx, id, false); err != nil {
			return fmt.Errorf("blade %d power off - %w", id, err)
		}

		sl.SetPower(blade.CachedPower{State: blade.PowerOff})
		sl.ResetPwm()
		if err := sl.Transition(ctx, blade.HardPowerOff); err != nil {
			return err
		}
		rec = sl.Record()
		return nil
	})
	if err != nil {
		return blade.Record{}, err
	}

	log.Info("blade powered off", zap.Int("blade_id", id))
	return rec, nil
}

// GetState returns the last committed record of a blade.
func (m *Manager) GetState(id int) (blade.Record, error) {
	return m.blades.Get(id)
}

func (m *Manager) GetAllStates() []blade.Record {
	return m.blades.All()
}

// EnableDefaultOperations toggles the blade's datasafe and PSU alert policy.
func (m *Manager) EnableDefaultOperations(ctx context.Context, id int, enabled bool) error {
	return m.blades.Do(ctx, id, func(sl *blade.Slot) error {
		if err := m.bmc.SetDefaultOperations(ctx, id, enabled); err != nil {
			return fmt.Errorf("blade %d default operations - %w", id, err)
		}
		log.Info("blade default operations set", zap.Int("blade_id", id), zap.Bool("enabled", enabled))
		return nil
	})
}

func (m *Manager) FanState() fan.State {
	return m.fans.State()
}

// PsuTelemetry reads a power supply and returns its updated record.
func (m *Manager) PsuTelemetry(ctx context.Context, id int) (psu.Record, error) {
	if _, err := m.psus.Read(ctx, id); err != nil {
		return psu.Record{}, err
	}
	return m.psus.Get(id)
}

func (m *Manager) UpdatePsuFirmware(ctx context.Context, id int, image []byte) error {
	return m.psus.UpdateFirmware(ctx, id, image)
}

func (m *Manager) validTarget(target int) error {
	if target != hal.ChassisConsole && (target < 1 || target > m.blades.Population()) {
		return fmt.Errorf("serial target %d - %w", target, blade.ErrInvalidBlade)
	}
	return nil
}

func (m *Manager) StartSerial(ctx context.Context, target int) (serial.Info, error) {
	if err := m.validTarget(target); err != nil {
		return serial.Info{}, err
	}
	return m.serial.Start(ctx, target)
}

func (m *Manager) StopSerial(target int) error {
	if err := m.validTarget(target); err != nil {
		return err
	}
	return m.serial.Stop(target)
}

func (m *Manager) KeepAliveSerial(target int) (serial.Info, error) {
	if err := m.validTarget(target); err != nil {
		return serial.Info{}, err
	}
	return m.serial.KeepAlive(target)
}

func (m *Manager) SerialSessions() []serial.Info {
	return m.serial.Sessions()
}

func (m *Manager) PsuRecords() []psu.Record {
	return m.psus.All()
}

// Stats summarizes loop progress for metrics.
type Stats struct {
	LifecycleRounds   uint64
	LastRoundDuration time.Duration
	DeviceCycles      uint64
	StepErrors        map[string]uint64
	AttentionLED      bool
	SerialSessions    int
}

func (m *Manager) Stats() Stats {
	return Stats{
		LifecycleRounds:   m.supervisor.Rounds(),
		LastRoundDuration: m.supervisor.LastRoundDuration(),
		DeviceCycles:      m.device.Cycles(),
		StepErrors:        m.device.StepErrors(),
		AttentionLED:      m.device.LED(),
		SerialSessions:    len(m.serial.Sessions()),
	}
}
