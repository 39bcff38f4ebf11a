/*
 * Copyright 2023 Comcast Cable Communications Management, LLC
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

package exporter

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics map[string]*prometheus.GaugeVec

func newServerMetric(metricName string, docString string, constLabels prometheus.Labels, labelNames []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        metricName,
			Help:        docString,
			ConstLabels: constLabels,
		},
		labelNames,
	)
}

func NewChassisMetrics() *map[string]*metrics {
	var (
		UpMetric = &metrics{
			"up": newServerMetric("up", "was the last collection of chassisd successful.", nil, []string{}),
		}

		BladeMetrics = &metrics{
			"bladeState":          newServerMetric("chassisd_blade_state", "Current blade lifecycle state, 1 for the active state and 0 for the others", nil, []string{"blade", "state"}),
			"bladeInfo":           newServerMetric("chassisd_blade_info", "Blade classification and system identity", nil, []string{"blade", "type", "guid"}),
			"bladeFailCount":      newServerMetric("chassisd_blade_fail_count", "Consecutive passes through the Fail state", nil, []string{"blade"}),
			"bladePwmRequirement": newServerMetric("chassisd_blade_pwm_requirement", "Fan requirement of the blade in percent", nil, []string{"blade"}),
			"bladePower":          newServerMetric("chassisd_blade_power", "Last power enable reading 1 = ON, 0 = OFF, -1 = UNKNOWN", nil, []string{"blade"}),
		}

		FanMetrics = &metrics{
			"fanPwm":     newServerMetric("chassisd_fan_pwm", "Last fan speed command in percent", nil, []string{}),
			"fanFailure": newServerMetric("chassisd_fan_failure", "Fan failure detected 1 = FAILED, 0 = OK", nil, []string{}),
			"fanSpeed":   newServerMetric("chassisd_fan_speed_rpm", "Last fan speed reading in rpm", nil, []string{"fan"}),
			"fanStatus":  newServerMetric("chassisd_fan_status", "Current fan status 1 = OK, 0 = BAD", nil, []string{"fan"}),
		}

		PsuMetrics = &metrics{
			"psuStatus":        newServerMetric("chassisd_psu_status", "Current power supply status 1 = OK, 0 = BAD, -1 = NOT PRESENT", nil, []string{"psu", "firmwareVersion"}),
			"psuOutput":        newServerMetric("chassisd_psu_output_watts", "Power supply output in watts", nil, []string{"psu"}),
			"psuInputVoltage":  newServerMetric("chassisd_psu_input_voltage", "Power supply input voltage", nil, []string{"psu"}),
			"psuBatteryCharge": newServerMetric("chassisd_psu_battery_charge_percent", "Charge of the battery attached to the power supply", nil, []string{"psu"}),
			"psuBatteryStatus": newServerMetric("chassisd_psu_battery_status", "Current battery status 1 = OK, 0 = BAD", nil, []string{"psu"}),
			"psuUpdating":      newServerMetric("chassisd_psu_firmware_update_in_progress", "Firmware update in progress 1 = YES, 0 = NO", nil, []string{"psu"}),
		}

		LoopMetrics = &metrics{
			"lifecycleRounds":        newServerMetric("chassisd_lifecycle_rounds", "Completed blade lifecycle rounds", nil, []string{}),
			"lifecycleRoundDuration": newServerMetric("chassisd_lifecycle_round_duration_seconds", "Duration of the last blade lifecycle round", nil, []string{}),
			"deviceCycles":           newServerMetric("chassisd_device_cycles", "Completed device loop cycles", nil, []string{}),
			"deviceStepErrors":       newServerMetric("chassisd_device_step_errors", "Failed device loop steps", nil, []string{"step"}),
			"attentionLed":           newServerMetric("chassisd_attention_led", "Attention LED 1 = ON, 0 = OFF", nil, []string{}),
			"serialSessions":         newServerMetric("chassisd_serial_sessions", "Open serial console sessions", nil, []string{}),
		}

		Metrics = &map[string]*metrics{
			"up":           UpMetric,
			"bladeMetrics": BladeMetrics,
			"fanMetrics":   FanMetrics,
			"psuMetrics":   PsuMetrics,
			"loopMetrics":  LoopMetrics,
		}
	)

	return Metrics
}
