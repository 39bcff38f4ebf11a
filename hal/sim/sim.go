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

// Package sim is an in-memory chassis used by tests and the --hal=sim mode.
package sim

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/hal"
	"github.com/google/uuid"
)

// Blade is the simulated state of one slot. Err fields, when set, are
// returned by the matching call.
type Blade struct {
	Power         blade.PowerState
	Decompression time.Duration
	GUID          uuid.UUID
	Type          blade.Type
	Temperature   float64
	DefaultOps    bool

	PowerErr    error
	IdentityErr error
	SensorErr   error
	InitErr     error

	IdentityCalls int
	inflight      int
	maxInflight   int
}

// Chassis implements hal.BladeAccess, hal.ChassisAccess and
// hal.ConsoleAccess. It is safe for concurrent use.
type Chassis struct {
	mu sync.Mutex

	blades map[int]*Blade
	delay  time.Duration

	fanRPM      []int
	fanErr      map[int]error
	fanPWM      byte
	fanWrites   int
	fanSetErr   error
	watchdog    int
	watchdogErr error
	led         bool
	ledWrites   int
	ledErr      error

	psus          []hal.PsuTelemetry
	psuErr        map[int]error
	firmwareDelay time.Duration

	consoles map[int]int
}

// New returns a chassis with every blade powered on and responsive, every
// fan spinning and every PSU healthy.
func New(population, fans, psus int) *Chassis {
	c := &Chassis{
		blades:   make(map[int]*Blade, population),
		fanRPM:   make([]int, fans),
		fanErr:   map[int]error{},
		psus:     make([]hal.PsuTelemetry, psus),
		psuErr:   map[int]error{},
		consoles: map[int]int{},
	}
	for id := 1; id <= population; id++ {
		c.blades[id] = &Blade{
			Power:       blade.PowerOn,
			GUID:        uuid.New(),
			Type:        blade.Compute,
			Temperature: 35,
		}
	}
	for i := range c.fanRPM {
		c.fanRPM[i] = 5000
	}
	for i := range c.psus {
		c.psus[i] = hal.PsuTelemetry{
			Status:          hal.PsuOK,
			OutputWatts:     400,
			InputVoltage:    208,
			FirmwareVersion: "1.0.0",
		}
	}
	return c
}

// UpdateBlade mutates a blade under the simulator lock.
func (c *Chassis) UpdateBlade(id int, fn func(*Blade)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blades[id]; ok {
		fn(b)
	}
}

// Blade returns a copy of a blade's simulated state.
func (c *Chassis) Blade(id int) Blade {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blades[id]; ok {
		return *b
	}
	return Blade{}
}

// MaxInflight returns the highest number of concurrent calls seen for a blade.
func (c *Chassis) MaxInflight(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.blades[id]; ok {
		return b.maxInflight
	}
	return 0
}

// SetDelay makes every blade call take d.
func (c *Chassis) SetDelay(d time.Duration) {
	c.mu.Lock()
	c.delay = d
	c.mu.Unlock()
}

func (c *Chassis) SetFanRPM(fanID, rpm int) {
	c.mu.Lock()
	c.fanRPM[fanID-1] = rpm
	c.mu.Unlock()
}

func (c *Chassis) SetFanError(fanID int, err error) {
	c.mu.Lock()
	c.fanErr[fanID] = err
	c.mu.Unlock()
}

func (c *Chassis) SetFanSpeedError(err error) {
	c.mu.Lock()
	c.fanSetErr = err
	c.mu.Unlock()
}

// FanPWM returns the last commanded PWM and how many commands were accepted.
func (c *Chassis) FanPWM() (byte, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fanPWM, c.fanWrites
}

func (c *Chassis) WatchdogResets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchdog
}

func (c *Chassis) SetWatchdogError(err error) {
	c.mu.Lock()
	c.watchdogErr = err
	c.mu.Unlock()
}

// LED returns the attention LED state and how many writes were made.
func (c *Chassis) LED() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.led, c.ledWrites
}

func (c *Chassis) SetLEDError(err error) {
	c.mu.Lock()
	c.ledErr = err
	c.mu.Unlock()
}

func (c *Chassis) SetPsu(psuID int, t hal.PsuTelemetry, err error) {
	c.mu.Lock()
	c.psus[psuID-1] = t
	c.psuErr[psuID] = err
	c.mu.Unlock()
}

func (c *Chassis) SetFirmwareDelay(d time.Duration) {
	c.mu.Lock()
	c.firmwareDelay = d
	c.mu.Unlock()
}

// OpenConsoles returns how many consoles are open for target.
func (c *Chassis) OpenConsoles(target int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consoles[target]
}

// enter marks a call in flight against a blade and waits out the configured
// delay. The returned func ends the call.
func (c *Chassis) enter(ctx context.Context, id int) (*Blade, func(), error) {
	c.mu.Lock()
	b, ok := c.blades[id]
	if !ok {
		c.mu.Unlock()
		return nil, nil, hal.Fail(fmt.Sprintf("blade %d", id), hal.InvalidDataField)
	}
	b.inflight++
	if b.inflight > b.maxInflight {
		b.maxInflight = b.inflight
	}
	delay := c.delay
	c.mu.Unlock()

	done := func() {
		c.mu.Lock()
		b.inflight--
		c.mu.Unlock()
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			done()
			return nil, nil, hal.Fail("blade request", hal.Timeout)
		case <-t.C:
		}
	}

	c.mu.Lock()
	return b, func() { c.mu.Unlock(); done() }, nil
}

func (c *Chassis) ReadPowerEnableState(ctx context.Context, bladeID int) (hal.PowerEnable, error) {
	b, done, err := c.enter(ctx, bladeID)
	if err != nil {
		return hal.PowerEnable{}, err
	}
	defer done()

	if b.PowerErr != nil {
		return hal.PowerEnable{}, b.PowerErr
	}
	return hal.PowerEnable{State: b.Power, DecompressionRemaining: b.Decompression}, nil
}

func (c *Chassis) SetPowerEnable(ctx context.Context, bladeID int, on bool) error {
	b, done, err := c.enter(ctx, bladeID)
	if err != nil {
		return err
	}
	defer done()

	if b.PowerErr != nil {
		return b.PowerErr
	}
	if on {
		b.Power = blade.PowerOn
	} else {
		b.Power = blade.PowerOff
	}
	return nil
}

func (c *Chassis) ReadSystemIdentity(ctx context.Context, bladeID int, allowRetry bool) (uuid.UUID, error) {
	b, done, err := c.enter(ctx, bladeID)
	if err != nil {
		return uuid.Nil, err
	}
	defer done()

	b.IdentityCalls++
	if b.Power != blade.PowerOn {
		return uuid.Nil, hal.Fail("read system identity", hal.CommunicationFailure)
	}
	if b.IdentityErr != nil {
		return uuid.Nil, b.IdentityErr
	}
	return b.GUID, nil
}

func (c *Chassis) ReadSensor(ctx context.Context, bladeID int, sensorID byte) (float64, error) {
	b, done, err := c.enter(ctx, bladeID)
	if err != nil {
		return 0, err
	}
	defer done()

	if b.Power != blade.PowerOn {
		return 0, hal.Fail("read sensor", hal.CommunicationFailure)
	}
	if b.SensorErr != nil {
		return 0, b.SensorErr
	}
	return b.Temperature, nil
}

func (c *Chassis) Initialize(ctx context.Context, bladeID int) (blade.Type, error) {
	b, done, err := c.enter(ctx, bladeID)
	if err != nil {
		return blade.Unknown, err
	}
	defer done()

	if b.Power != blade.PowerOn {
		return blade.Unknown, hal.Fail("initialize", hal.CommunicationFailure)
	}
	if b.InitErr != nil {
		return blade.Unknown, b.InitErr
	}
	return b.Type, nil
}

func (c *Chassis) SetDefaultOperations(ctx context.Context, bladeID int, enabled bool) error {
	b, done, err := c.enter(ctx, bladeID)
	if err != nil {
		return err
	}
	defer done()

	b.DefaultOps = enabled
	return nil
}

func (c *Chassis) SetFanSpeed(ctx context.Context, bankID int, pwm byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fanSetErr != nil {
		return c.fanSetErr
	}
	c.fanPWM = pwm
	c.fanWrites++
	return nil
}

func (c *Chassis) GetFanSpeed(ctx context.Context, fanID int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fanID < 1 || fanID > len(c.fanRPM) {
		return 0, hal.Fail(fmt.Sprintf("fan %d", fanID), hal.InvalidDataField)
	}
	if err := c.fanErr[fanID]; err != nil {
		return 0, err
	}
	return c.fanRPM[fanID-1], nil
}

func (c *Chassis) ResetWatchdog(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watchdogErr != nil {
		return c.watchdogErr
	}
	c.watchdog++
	return nil
}

func (c *Chassis) ReadAttentionLED(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ledErr != nil {
		return false, c.ledErr
	}
	return c.led, nil
}

func (c *Chassis) SetAttentionLED(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ledErr != nil {
		return c.ledErr
	}
	c.led = on
	c.ledWrites++
	return nil
}

func (c *Chassis) ReadPsuTelemetry(ctx context.Context, psuID int) (hal.PsuTelemetry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if psuID < 1 || psuID > len(c.psus) {
		return hal.PsuTelemetry{}, hal.Fail(fmt.Sprintf("psu %d", psuID), hal.InvalidDataField)
	}
	if err := c.psuErr[psuID]; err != nil {
		return hal.PsuTelemetry{}, err
	}
	return c.psus[psuID-1], nil
}

func (c *Chassis) UpdatePsuFirmware(ctx context.Context, psuID int, image []byte) error {
	c.mu.Lock()
	delay := c.firmwareDelay
	valid := psuID >= 1 && psuID <= len(c.psus)
	c.mu.Unlock()

	if !valid {
		return hal.Fail(fmt.Sprintf("psu %d", psuID), hal.InvalidDataField)
	}
	if len(image) == 0 {
		return hal.Fail("psu firmware update", hal.InvalidDataField)
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return hal.Fail("psu firmware update", hal.Timeout)
		case <-t.C:
		}
	}

	c.mu.Lock()
	c.psus[psuID-1].FirmwareVersion = fmt.Sprintf("sim-%d", len(image))
	c.mu.Unlock()
	return nil
}

type console struct {
	c      *Chassis
	target int
	once   sync.Once
}

func (s *console) Close() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		s.c.consoles[s.target]--
		s.c.mu.Unlock()
	})
	return nil
}

func (c *Chassis) OpenConsole(ctx context.Context, target int) (io.Closer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.blades[target]; !ok && target != hal.ChassisConsole {
		return nil, hal.Fail(fmt.Sprintf("console %d", target), hal.InvalidDataField)
	}
	c.consoles[target]++
	return &console{c: c, target: target}, nil
}
