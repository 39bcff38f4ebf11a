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

package pool

import (
	"context"
	"sync"
	"time"
)

// Task encapsulates a work item that should go in a work pool
type Task struct {
	// ID identifies the device the task works on.
	ID int

	// Err holds an error that occurred during a task. Its
	// result is only meaningful after Run has been called
	// for the pool that holds it.
	Err error

	// Elapsed is how long the work function ran.
	Elapsed time.Duration

	f func(context.Context) error
}

// NewTask initializes a new task based on a given work
// function.
func NewTask(id int, f func(context.Context) error) *Task {
	return &Task{ID: id, f: f}
}

// Run runs a Task under its own deadline and does appropriate
// accounting via a given sync.WaitGroup.
func (t *Task) Run(ctx context.Context, timeout time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	if err := ctx.Err(); err != nil {
		t.Err = err
		return
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	t.Err = t.f(ctx)
	t.Elapsed = time.Since(start)
}
