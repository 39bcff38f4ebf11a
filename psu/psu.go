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

// Package psu keeps the last known state of every power supply in the shelf.
package psu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comcast/chassisd/hal"
	"github.com/comcast/chassisd/pool"
	"go.uber.org/zap"
)

var (
	ErrBusy       = errors.New("psu firmware update in progress")
	ErrInvalidPsu = errors.New("invalid psu id")

	log *zap.Logger

	lockPoll = time.Millisecond
)

// Record is the last known state of one power supply.
type Record struct {
	ID               int              `json:"id"`
	Telemetry        hal.PsuTelemetry `json:"telemetry"`
	LastError        string           `json:"lastError,omitempty"`
	LastRead         time.Time        `json:"lastRead"`
	UpdateInProgress bool             `json:"updateInProgress"`
}

type unit struct {
	// mu serializes device access to the unit
	mu       sync.Mutex
	updating atomic.Bool
	rec      Record
	snapshot atomic.Pointer[Record]
}

// lock takes the unit for a telemetry read. It never waits behind a firmware
// update: ErrBusy is returned as soon as one is seen, before or after the lock
// is taken.
func (u *unit) lock(ctx context.Context) error {
	for {
		if u.updating.Load() {
			return ErrBusy
		}
		if u.mu.TryLock() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPoll):
		}
	}
	if u.updating.Load() {
		u.mu.Unlock()
		return ErrBusy
	}
	return nil
}

func (u *unit) publish() {
	rec := u.rec
	rec.UpdateInProgress = u.updating.Load()
	u.snapshot.Store(&rec)
}

type Registry struct {
	chassis     hal.ChassisAccess
	units       []*unit
	concurrency int
	readTimeout time.Duration
	now         func() time.Time
}

// NewRegistry tracks count units. Poll reads at most concurrency of them at
// once, each bounded by readTimeout.
func NewRegistry(chassis hal.ChassisAccess, count, concurrency int, readTimeout time.Duration) *Registry {
	log = zap.L()

	r := &Registry{
		chassis:     chassis,
		units:       make([]*unit, count),
		concurrency: concurrency,
		readTimeout: readTimeout,
		now:         time.Now,
	}
	for i := range r.units {
		u := &unit{rec: Record{ID: i + 1, Telemetry: hal.PsuTelemetry{Status: hal.PsuNotPresent}}}
		u.publish()
		r.units[i] = u
	}
	return r
}

func (r *Registry) Count() int {
	return len(r.units)
}

func (r *Registry) unit(id int) (*unit, error) {
	if id < 1 || id > len(r.units) {
		return nil, fmt.Errorf("psu %d - %w", id, ErrInvalidPsu)
	}
	return r.units[id-1], nil
}

// Get returns the last committed record without touching the hardware.
func (r *Registry) Get(id int) (Record, error) {
	u, err := r.unit(id)
	if err != nil {
		return Record{}, err
	}
	return *u.snapshot.Load(), nil
}

func (r *Registry) All() []Record {
	out := make([]Record, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, *u.snapshot.Load())
	}
	return out
}

// Read fetches fresh telemetry. It fails fast with ErrBusy while a firmware
// update holds the unit.
func (r *Registry) Read(ctx context.Context, id int) (hal.PsuTelemetry, error) {
	u, err := r.unit(id)
	if err != nil {
		return hal.PsuTelemetry{}, err
	}
	if err := u.lock(ctx); err != nil {
		return hal.PsuTelemetry{}, fmt.Errorf("psu %d - %w", id, err)
	}
	defer u.mu.Unlock()

	t, err := r.chassis.ReadPsuTelemetry(ctx, id)
	u.rec.LastRead = r.now()
	if err != nil {
		u.rec.LastError = err.Error()
		u.publish()
		return hal.PsuTelemetry{}, fmt.Errorf("reading psu %d telemetry - %w", id, err)
	}

	u.rec.Telemetry = t
	u.rec.LastError = ""
	u.publish()
	return t, nil
}

// Poll refreshes every unit at the configured concurrency.
func (r *Registry) Poll(ctx context.Context) {
	var tasks []*pool.Task
	for i := range r.units {
		id := i + 1
		tasks = append(tasks, pool.NewTask(id, func(ctx context.Context) error {
			_, err := r.Read(ctx, id)
			return err
		}))
	}

	p := pool.NewPool(tasks, r.concurrency, r.readTimeout)
	p.Run(ctx)

	for _, task := range p.Failed() {
		if !errors.Is(task.Err, ErrBusy) {
			log.Warn("psu poll failed", zap.Int("psu_id", task.ID), zap.Duration("elapsed", task.Elapsed),
				zap.Error(task.Err))
		}
	}
}

// Failure reports whether any unit not being updated is faulted or could
// not be read on its last poll.
func (r *Registry) Failure() bool {
	for _, u := range r.units {
		rec := u.snapshot.Load()
		if rec.UpdateInProgress {
			continue
		}
		if rec.LastError != "" || rec.Telemetry.Status == hal.PsuFault || rec.Telemetry.BatteryFault {
			return true
		}
	}
	return false
}

// UpdateFirmware flashes a unit. Telemetry reads return ErrBusy until it
// finishes, and a second update on the same unit is rejected.
func (r *Registry) UpdateFirmware(ctx context.Context, id int, image []byte) error {
	u, err := r.unit(id)
	if err != nil {
		return err
	}
	if !u.updating.CompareAndSwap(false, true) {
		return fmt.Errorf("psu %d - %w", id, ErrBusy)
	}

	u.mu.Lock()
	u.publish()
	defer func() {
		u.updating.Store(false)
		u.publish()
		u.mu.Unlock()
	}()

	log.Info("psu firmware update started", zap.Int("psu_id", id), zap.Int("image_bytes", len(image)))
	if err := r.chassis.UpdatePsuFirmware(ctx, id, image); err != nil {
		u.rec.LastError = err.Error()
		return fmt.Errorf("updating psu %d firmware - %w", id, err)
	}

	if t, err := r.chassis.ReadPsuTelemetry(ctx, id); err == nil {
		u.rec.Telemetry = t
		u.rec.LastError = ""
		u.rec.LastRead = r.now()
	}
	log.Info("psu firmware update finished", zap.Int("psu_id", id),
		zap.String("firmware_version", u.rec.Telemetry.FirmwareVersion))
	return nil
}
