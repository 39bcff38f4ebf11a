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
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func Test_PwmFromTemperature(t *testing.T) {
	tests := []struct {
		name     string
		reading  float64
		low      float64
		high     float64
		expected byte
		warns    int
	}{
		{name: "at low threshold", reading: 0, low: 0, high: 100, expected: 20},
		{name: "at high threshold", reading: 100, low: 0, high: 100, expected: 100},
		{name: "midpoint", reading: 50, low: 0, high: 100, expected: 60},
		{name: "truncates fraction", reading: 35.9, low: 0, high: 100, expected: 48},
		{name: "offset thresholds", reading: 30, low: 20, high: 40, expected: 60},
		{name: "above high threshold", reading: 100.5, low: 0, high: 100, expected: 20, warns: 1},
		{name: "below low threshold", reading: -1, low: 0, high: 100, expected: 20, warns: 1},
		{name: "equal thresholds", reading: 50, low: 50, high: 50, expected: 20, warns: 1},
		{name: "inverted thresholds", reading: 50, low: 100, high: 0, expected: 20, warns: 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			undo := zap.ReplaceGlobals(zap.New(core))
			defer undo()

			assert := assert.New(t)
			got := PwmFromTemperature(test.reading, test.low, test.high, 20, 100)
			assert.Equal(test.expected, got)
			assert.Equal(test.warns, logs.Len())
		})
	}
}

func Test_PwmFromTemperatureIsIdempotent(t *testing.T) {
	for r := 0.0; r <= 100; r += 0.25 {
		first := PwmFromTemperature(r, 0, 100, 20, 100)
		second := PwmFromTemperature(r, 0, 100, 20, 100)
		assert.Equal(t, first, second)
		assert.GreaterOrEqual(t, first, byte(20))
		assert.LessOrEqual(t, first, byte(100))
	}
}
