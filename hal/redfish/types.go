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

package redfish

import (
	"fmt"
	"strconv"
)

// /redfish/v1/Systems/1

// System carries the power state and system GUID of a blade
type System struct {
	ID         string `json:"Id"`
	UUID       string `json:"UUID"`
	PowerState string `json:"PowerState"`
	Status     Status `json:"Status"`
}

// /redfish/v1/Chassis/1

// Chassis identifies the blade's enclosure type
type Chassis struct {
	ID          string `json:"Id"`
	ChassisType string `json:"ChassisType"`
	Model       string `json:"Model"`
	Status      Status `json:"Status"`
}

// /redfish/v1/Chassis/1/Thermal

// ThermalMetrics is the top level json object for Thermal metadata
type ThermalMetrics struct {
	ID           string        `json:"Id"`
	Name         string        `json:"Name"`
	Temperatures []Temperature `json:"Temperatures"`
}

// Temperature is the json object for a temperature sensor module
type Temperature struct {
	MemberID        string      `json:"MemberId"`
	Name            string      `json:"Name"`
	PhysicalContext string      `json:"PhysicalContext"`
	ReadingCelsius  interface{} `json:"ReadingCelsius"`
	SensorNumber    int         `json:"SensorNumber"`
	Status          Status      `json:"Status"`
}

// /redfish/v1/Managers/1

// Manager contains the BMC firmware version
type Manager struct {
	FirmwareVersion string `json:"FirmwareVersion"`
	Model           string `json:"Model"`
}

// ManagerPatch toggles the blade's default operations, datasafe and PSU
// alert handling.
type ManagerPatch struct {
	Oem struct {
		DefaultOperations struct {
			Enabled bool `json:"Enabled"`
		} `json:"DefaultOperations"`
	} `json:"Oem"`
}

// ResetRequest is the body of ComputerSystem.Reset
type ResetRequest struct {
	ResetType string `json:"ResetType"`
}

type Status struct {
	Health string `json:"Health,omitempty"`
	State  string `json:"State,omitempty"`
}

// celsius converts the several encodings BMCs use for readings.
func celsius(v interface{}) (float64, error) {
	switch r := v.(type) {
	case float64:
		return r, nil
	case int:
		return float64(r), nil
	case string:
		return strconv.ParseFloat(r, 64)
	case nil:
		return 0, fmt.Errorf("sensor has no reading")
	default:
		return 0, fmt.Errorf("unexpected reading type %T", v)
	}
}
