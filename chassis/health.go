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

package chassis

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// staleRounds is how many periods a loop may go without finishing a round
// before it is reported dead.
const staleRounds = 3

// minStale is the shortest staleness reported, regardless of period.
const minStale = 30 * time.Second

// HealthHandler exposes /live and /ready for the chassis loops.
func (m *Manager) HealthHandler() healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddLivenessCheck("lifecycle-loop", m.loopCheck("lifecycle", m.supervisor.LastRound, m.cfg.Lifecycle.Period))
	health.AddLivenessCheck("device-loop", m.loopCheck("device", m.device.LastCycle, m.cfg.Device.Period))
	health.AddReadinessCheck("first-lifecycle-round", m.readyCheck())
	return health
}

func (m *Manager) loopCheck(name string, last func() time.Time, period time.Duration) healthcheck.Check {
	started := m.now()
	limit := staleRounds * period
	if limit < minStale {
		limit = minStale
	}
	return func() error {
		ref := last()
		if ref.IsZero() {
			ref = started
		}
		if age := m.now().Sub(ref); age > limit {
			return fmt.Errorf("%s loop has not completed a round in %s", name, age.Round(time.Second))
		}
		return nil
	}
}

func (m *Manager) readyCheck() healthcheck.Check {
	return func() error {
		if m.supervisor.Rounds() == 0 {
			return errors.New("no lifecycle round completed yet")
		}
		return nil
	}
}
