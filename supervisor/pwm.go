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
	"go.uber.org/zap"
)

// PwmFromTemperature maps a temperature reading linearly onto [minPWM, maxPWM]
// between the low and high thresholds. Readings outside the thresholds and
// inverted thresholds fall back to minPWM.
func PwmFromTemperature(reading, low, high float64, minPWM, maxPWM byte) byte {
	if low >= high {
		zap.L().Warn("invalid temperature thresholds, using minimum pwm",
			zap.Float64("low", low), zap.Float64("high", high), zap.Uint8("pwm", minPWM))
		return minPWM
	}
	if reading < low || reading > high {
		zap.L().Warn("temperature reading out of range, using minimum pwm",
			zap.Float64("reading", reading), zap.Float64("low", low), zap.Float64("high", high),
			zap.Uint8("pwm", minPWM))
		return minPWM
	}
	if maxPWM < minPWM {
		return minPWM
	}

	pwm := float64(minPWM) + (reading-low)/(high-low)*float64(maxPWM-minPWM)
	out := byte(pwm)
	if out < minPWM {
		return minPWM
	}
	if out > maxPWM {
		return maxPWM
	}
	return out
}
