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
	"strconv"
	"sync"

	"github.com/comcast/chassisd/blade"
	"github.com/comcast/chassisd/chassis"
	"github.com/comcast/chassisd/fan"
	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/psu"
	"github.com/prometheus/client_golang/prometheus"
)

// Source is the chassis state the exporter reports on.
type Source interface {
	GetAllStates() []blade.Record
	FanState() fan.State
	PsuRecords() []psu.Record
	Stats() chassis.Stats
}

// Exporter collects chassis metrics from in-memory state. Collection never
// touches the hardware.
type Exporter struct {
	mutex         sync.Mutex
	source        Source
	deviceMetrics *map[string]*metrics
}

func NewExporter(source Source) *Exporter {
	return &Exporter{
		source:        source,
		deviceMetrics: NewChassisMetrics(),
	}
}

// Describe describes all the metrics ever exported by the chassisd exporter. It
// implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range *e.deviceMetrics {
		for _, n := range *m {
			n.Describe(ch)
		}
	}
}

// Collect snapshots the chassis state and delivers it as Prometheus metrics.
// It implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mutex.Lock() // To protect metrics from concurrent collects.
	defer e.mutex.Unlock()

	e.resetMetrics()
	e.scrape()
	e.collectMetrics(ch)
}

func (e *Exporter) resetMetrics() {
	for _, m := range *e.deviceMetrics {
		for _, n := range *m {
			n.Reset()
		}
	}
}

func (e *Exporter) collectMetrics(metrics chan<- prometheus.Metric) {
	for _, m := range *e.deviceMetrics {
		for _, n := range *m {
			n.Collect(metrics)
		}
	}
}

func (e *Exporter) scrape() {
	e.exportBlades(e.source.GetAllStates())
	e.exportFans(e.source.FanState())
	e.exportPsus(e.source.PsuRecords())
	e.exportStats(e.source.Stats())

	up := (*e.deviceMetrics)["up"]
	(*up)["up"].WithLabelValues().Set(1)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (e *Exporter) exportBlades(records []blade.Record) {
	m := (*e.deviceMetrics)["bladeMetrics"]

	for _, rec := range records {
		id := strconv.Itoa(rec.ID)
		for _, s := range blade.States {
			(*m)["bladeState"].WithLabelValues(id, s.String()).Set(boolToFloat(rec.State == s))
		}
		(*m)["bladeInfo"].WithLabelValues(id, rec.Type.String(), rec.GUID.String()).Set(1)
		(*m)["bladeFailCount"].WithLabelValues(id).Set(float64(rec.FailCount))
		(*m)["bladePwmRequirement"].WithLabelValues(id).Set(float64(rec.PwmRequirement))

		var power float64
		switch rec.Power.State {
		case blade.PowerOn:
			power = 1
		case blade.PowerOff:
			power = 0
		default:
			power = -1
		}
		(*m)["bladePower"].WithLabelValues(id).Set(power)
	}
}

func (e *Exporter) exportFans(state fan.State) {
	m := (*e.deviceMetrics)["fanMetrics"]

	(*m)["fanPwm"].WithLabelValues().Set(float64(state.PreviousPWM))
	(*m)["fanFailure"].WithLabelValues().Set(boolToFloat(state.FanFailure))

	failed := make(map[int]bool, len(state.FailedFans))
	for _, f := range state.FailedFans {
		failed[f] = true
	}
	for i, rpm := range state.RPM {
		id := strconv.Itoa(i + 1)
		(*m)["fanSpeed"].WithLabelValues(id).Set(float64(rpm))
		(*m)["fanStatus"].WithLabelValues(id).Set(boolToFloat(!failed[i+1]))
	}
}

func (e *Exporter) exportPsus(records []psu.Record) {
	m := (*e.deviceMetrics)["psuMetrics"]

	for _, rec := range records {
		id := strconv.Itoa(rec.ID)
		t := rec.Telemetry

		var status float64
		switch {
		case t.Status == hal.PsuNotPresent:
			status = -1
		case t.Status == hal.PsuOK && rec.LastError == "":
			status = 1
		}
		(*m)["psuStatus"].WithLabelValues(id, t.FirmwareVersion).Set(status)
		(*m)["psuOutput"].WithLabelValues(id).Set(t.OutputWatts)
		(*m)["psuInputVoltage"].WithLabelValues(id).Set(t.InputVoltage)
		(*m)["psuUpdating"].WithLabelValues(id).Set(boolToFloat(rec.UpdateInProgress))
		if t.BatteryPresent {
			(*m)["psuBatteryCharge"].WithLabelValues(id).Set(t.BatteryCharge)
			(*m)["psuBatteryStatus"].WithLabelValues(id).Set(boolToFloat(!t.BatteryFault))
		}
	}
}

func (e *Exporter) exportStats(stats chassis.Stats) {
	m := (*e.deviceMetrics)["loopMetrics"]

	(*m)["lifecycleRounds"].WithLabelValues().Set(float64(stats.LifecycleRounds))
	(*m)["lifecycleRoundDuration"].WithLabelValues().Set(stats.LastRoundDuration.Seconds())
	(*m)["deviceCycles"].WithLabelValues().Set(float64(stats.DeviceCycles))
	for step, n := range stats.StepErrors {
		(*m)["deviceStepErrors"].WithLabelValues(step).Set(float64(n))
	}
	(*m)["attentionLed"].WithLabelValues().Set(boolToFloat(stats.AttentionLED))
	(*m)["serialSessions"].WithLabelValues().Set(float64(stats.SerialSessions))
}
