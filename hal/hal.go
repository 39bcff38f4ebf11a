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

// Package hal defines the hardware access layer the chassis supervisor talks
// to. Every call is blocking and reports failures as errors, most of them
// carrying a management bus completion code.
package hal

import (
	"context"
	"io"
	"time"

	"github.com/comcast/chassisd/blade"
	"github.com/google/uuid"
)

// FanBankAll addresses every fan in the chassis with one command.
const FanBankAll = 0

// ChassisConsole is the serial console target that is not a blade.
const ChassisConsole = 0

// PowerEnable is a hard power-enable reading.
type PowerEnable struct {
	State blade.PowerState
	// DecompressionRemaining is how long the blade firmware needs before it
	// answers requests.
	DecompressionRemaining time.Duration
}

// PsuStatus summarizes a power supply's health.
type PsuStatus int

const (
	PsuOK PsuStatus = iota
	PsuFault
	PsuNotPresent
)

func (s PsuStatus) String() string {
	switch s {
	case PsuOK:
		return "OK"
	case PsuFault:
		return "Fault"
	default:
		return "NotPresent"
	}
}

// PsuTelemetry is one power supply reading, including the battery pack
// attached to it if any.
type PsuTelemetry struct {
	Status          PsuStatus `json:"status"`
	OutputWatts     float64   `json:"outputWatts"`
	InputVoltage    float64   `json:"inputVoltage"`
	FirmwareVersion string    `json:"firmwareVersion"`
	BatteryPresent  bool      `json:"batteryPresent"`
	BatteryCharge   float64   `json:"batteryChargePercent"`
	BatteryFault    bool      `json:"batteryFault"`
}

// BladeAccess reaches the baseboard controller of individual blades.
type BladeAccess interface {
	ReadPowerEnableState(ctx context.Context, bladeID int) (PowerEnable, error)
	SetPowerEnable(ctx context.Context, bladeID int, on bool) error
	// ReadSystemIdentity returns the blade's system GUID. With allowRetry
	// false exactly one request is made.
	ReadSystemIdentity(ctx context.Context, bladeID int, allowRetry bool) (uuid.UUID, error)
	ReadSensor(ctx context.Context, bladeID int, sensorID byte) (float64, error)
	// Initialize performs the logon handshake and classifies the blade.
	Initialize(ctx context.Context, bladeID int) (blade.Type, error)
	// SetDefaultOperations toggles datasafe and PSU alert handling on the blade.
	SetDefaultOperations(ctx context.Context, bladeID int, enabled bool) error
}

// ChassisAccess reaches chassis level devices: fans, watchdog, attention
// LED and power supplies.
type ChassisAccess interface {
	SetFanSpeed(ctx context.Context, bankID int, pwm byte) error
	GetFanSpeed(ctx context.Context, fanID int) (int, error)
	ResetWatchdog(ctx context.Context) error
	ReadAttentionLED(ctx context.Context) (bool, error)
	SetAttentionLED(ctx context.Context, on bool) error
	ReadPsuTelemetry(ctx context.Context, psuID int) (PsuTelemetry, error)
	UpdatePsuFirmware(ctx context.Context, psuID int, image []byte) error
}

// ConsoleAccess is implemented by layers that can open serial consoles.
type ConsoleAccess interface {
	OpenConsole(ctx context.Context, target int) (io.Closer, error)
}
