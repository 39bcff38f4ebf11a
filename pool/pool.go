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

// Pool is a worker group that runs a number of tasks at a
// configured concurrency. Each task gets its own deadline derived
// from the context given to Run.
type Pool struct {
	Tasks []*Task

	concurrency int
	timeout     time.Duration
	tasksChan   chan *Task
	wg          sync.WaitGroup
}

// NewPool initializes a new pool with the given tasks, running at
// most concurrency of them at once. A timeout of zero leaves tasks
// bounded only by the context given to Run.
func NewPool(tasks []*Task, concurrency int, timeout time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		Tasks:       tasks,
		concurrency: concurrency,
		timeout:     timeout,
		tasksChan:   make(chan *Task),
	}
}

// Run runs all work within the pool and blocks until it's
// finished. Tasks still queued when ctx is done are not started and
// record ctx.Err().
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.concurrency; i++ {
		go p.work(ctx)
	}

	p.wg.Add(len(p.Tasks))
	for _, task := range p.Tasks {
		p.tasksChan <- task
	}

	// all workers return
	close(p.tasksChan)

	p.wg.Wait()
}

func (p *Pool) AddTask(task *Task) {
	p.Tasks = append(p.Tasks, task)
}

// Failed returns the tasks that ended with an error.
func (p *Pool) Failed() []*Task {
	var out []*Task
	for _, task := range p.Tasks {
		if task.Err != nil {
			out = append(out, task)
		}
	}
	return out
}

// The work loop for any single goroutine.
func (p *Pool) work(ctx context.Context) {
	for task := range p.tasksChan {
		task.Run(ctx, p.timeout, &p.wg)
	}
}
