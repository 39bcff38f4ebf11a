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

// Package fan turns per-blade cooling requirements into a single chassis
// fan command.
package fan

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/comcast/chassisd/hal"
	"go.uber.org/zap"
)

var log *zap.Logger

type Config struct {
	Fans               int
	MinPWM             byte
	MaxPWM             byte
	StepPWM            byte
	MinRPM             int
	AltitudeFeet       int
	AltitudeCorrection float64
}

// State is the controller's last decision.
type State struct {
	FanFailure  bool  `json:"fanFailure"`
	PreviousPWM byte  `json:"previousPwm"`
	Requested   byte  `json:"requestedPwm"`
	RPM         []int `json:"rpm"`
	FailedFans  []int `json:"failedFans"`
}

type Controller struct {
	chassis hal.ChassisAccess
	cfg     Config

	mu    sync.Mutex
	state State
}

func NewController(chassis hal.ChassisAccess, cfg Config) *Controller {
	log = zap.L()

	return &Controller{
		chassis: chassis,
		cfg:     cfg,
	}
}

// State returns a copy of the last decision.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	s.RPM = append([]int(nil), c.state.RPM...)
	s.FailedFans = append([]int(nil), c.state.FailedFans...)
	return s
}

// FanFailure reports whether any fan was failed at the last decision.
func (c *Controller) FanFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.FanFailure
}

// Compute derives the fan command from the blade requirements, the number
// of failed fans and the previously applied command.
func Compute(cfg Config, requirements []byte, failed int, previous byte) (byte, bool) {
	request := cfg.MinPWM
	for _, r := range requirements {
		if r > request {
			request = r
		}
	}

	pwm := float64(request)
	fanFailure := failed > 0
	switch {
	case failed == 0:
	case failed == 1 && cfg.Fans > 1:
		pwm = math.Trunc(float64(cfg.Fans) / float64(cfg.Fans-1) * pwm)
	default:
		pwm = float64(cfg.MaxPWM)
	}

	if cfg.AltitudeFeet > 0 && cfg.AltitudeCorrection > 0 {
		pwm *= 1 + cfg.AltitudeCorrection*math.Floor(float64(cfg.AltitudeFeet)/1000)
	}

	if pwm > float64(cfg.MaxPWM) {
		pwm = float64(cfg.MaxPWM)
	}
	out := byte(pwm)
	if out < cfg.MinPWM {
		out = cfg.MinPWM
	}

	// ramp down one step at a time, ramp up immediately
	if int(previous) >= int(out)+2*int(cfg.StepPWM) {
		out = previous - cfg.StepPWM
	}

	return out, fanFailure
}

// Apply reads fan health, computes the command and sends it to every fan.
// The previous command only advances when the write succeeds.
func (c *Controller) Apply(ctx context.Context, requirements []byte) error {
	rpm := make([]int, c.cfg.Fans)
	var failedFans []int

	for i := 1; i <= c.cfg.Fans; i++ {
		speed, err := c.chassis.GetFanSpeed(ctx, i)
		if err != nil {
			log.Warn("unable to read fan speed", zap.Int("fan_id", i), zap.Error(err))
			failedFans = append(failedFans, i)
			continue
		}
		rpm[i-1] = speed
		if speed < c.cfg.MinRPM {
			log.Warn("fan below minimum speed", zap.Int("fan_id", i), zap.Int("rpm", speed),
				zap.Int("min_rpm", c.cfg.MinRPM))
			failedFans = append(failedFans, i)
		}
	}

	c.mu.Lock()
	previous := c.state.PreviousPWM
	c.mu.Unlock()

	pwm, fanFailure := Compute(c.cfg, requirements, len(failedFans), previous)

	c.mu.Lock()
	c.state.FanFailure = fanFailure
	c.state.Requested = pwm
	c.state.RPM = rpm
	c.state.FailedFans = failedFans
	c.mu.Unlock()

	if err := c.chassis.SetFanSpeed(ctx, hal.FanBankAll, pwm); err != nil {
		return fmt.Errorf("setting fan speed to %d - %w", pwm, err)
	}

	c.mu.Lock()
	if c.state.PreviousPWM != pwm {
		log.Debug("fan speed changed", zap.Uint8("from", c.state.PreviousPWM), zap.Uint8("to", pwm))
	}
	c.state.PreviousPWM = pwm
	c.mu.Unlock()

	return nil
}
