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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a blade slot.
type State int

const (
	HardPowerOff State = iota
	Initialization
	Probation
	Healthy
	Fail
)

var stateNames = map[State]string{
	HardPowerOff:   "HardPowerOff",
	Initialization: "Initialization",
	Probation:      "Probation",
	Healthy:        "Healthy",
	Fail:           "Fail",
}

// States lists every lifecycle state in declaration order.
var States = []State{HardPowerOff, Initialization, Probation, Healthy, Fail}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseState returns the State with the given name.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return HardPowerOff, fmt.Errorf("unknown blade state %q", name)
}

// Type is the cached hardware classification of a blade.
type Type int

const (
	Unknown Type = iota
	Compute
	Jbod
)

func (t Type) String() string {
	switch t {
	case Compute:
		return "Compute"
	case Jbod:
		return "Jbod"
	default:
		return "Unknown"
	}
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// PowerState is the hard power-enable reading for a slot.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOn
	PowerOff
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "On"
	case PowerOff:
		return "Off"
	default:
		return "Unknown"
	}
}

func (p PowerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// CachedPower is the last known power-enable reading. DecompressionDeadline
// marks when the blade firmware is expected to be responsive after power on.
type CachedPower struct {
	State                 PowerState `json:"state"`
	DecompressionDeadline time.Time  `json:"decompressionDeadline,omitempty"`
}

// DecompressionRemaining returns how long the blade is still expected to be
// booting, or zero once the deadline has passed.
func (c CachedPower) DecompressionRemaining(now time.Time) time.Duration {
	if c.DecompressionDeadline.IsZero() || !now.Before(c.DecompressionDeadline) {
		return 0
	}
	return c.DecompressionDeadline.Sub(now)
}

// Record is the per-slot blade bookkeeping.
type Record struct {
	ID             int         `json:"id"`
	State          State       `json:"state"`
	Type           Type        `json:"type"`
	FailCount      int         `json:"failCount"`
	Power          CachedPower `json:"power"`
	PwmRequirement byte        `json:"pwmRequirement"`
	GUID           uuid.UUID   `json:"guid"`
	LastTransition time.Time   `json:"lastTransition"`
}
