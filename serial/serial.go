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

// Package serial tracks console sessions, one per target, and closes the
// ones that go quiet.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/comcast/chassisd/hal"
	"go.uber.org/zap"
)

var (
	ErrNoSession     = errors.New("no serial session for target")
	ErrSessionActive = errors.New("serial session already active for target")
	ErrClosed        = errors.New("serial sessions closed while console was opening")

	log *zap.Logger
)

// Info describes an open session.
type Info struct {
	Target       int       `json:"target"`
	Started      time.Time `json:"started"`
	LastActivity time.Time `json:"lastActivity"`
}

type session struct {
	info   Info
	closer io.Closer
}

// reservation holds a target while its console is being opened.
type reservation struct {
	target int
}

type Manager struct {
	console hal.ConsoleAccess
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[int]*session
	opening  map[int]*reservation
}

// NewManager returns a manager that opens consoles through console, which
// may be nil when the hardware layer has no console support.
func NewManager(console hal.ConsoleAccess, timeout time.Duration) *Manager {
	log = zap.L()

	return &Manager{
		console:  console,
		timeout:  timeout,
		now:      time.Now,
		sessions: map[int]*session{},
		opening:  map[int]*reservation{},
	}
}

func (m *Manager) Start(ctx context.Context, target int) (Info, error) {
	if m.console == nil {
		return Info{}, hal.ErrUnsupported
	}

	m.mu.Lock()
	_, active := m.sessions[target]
	_, pending := m.opening[target]
	if active || pending {
		m.mu.Unlock()
		return Info{}, fmt.Errorf("target %d - %w", target, ErrSessionActive)
	}
	r := &reservation{target: target}
	m.opening[target] = r
	m.mu.Unlock()

	// the console is opened without m.mu so idle eviction and listing never
	// wait on the hardware
	c, err := m.console.OpenConsole(ctx, target)

	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.opening[target] == r
	if held {
		delete(m.opening, target)
	}
	if err != nil {
		return Info{}, fmt.Errorf("opening console for target %d - %w", target, err)
	}
	if !held {
		c.Close()
		return Info{}, fmt.Errorf("target %d - %w", target, ErrClosed)
	}

	now := m.now()
	s := &session{info: Info{Target: target, Started: now, LastActivity: now}, closer: c}
	m.sessions[target] = s
	log.Info("serial session started", zap.Int("target", target))
	return s.info, nil
}

// KeepAlive records activity on a session.
func (m *Manager) KeepAlive(target int) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[target]
	if !ok {
		return Info{}, fmt.Errorf("target %d - %w", target, ErrNoSession)
	}
	s.info.LastActivity = m.now()
	return s.info, nil
}

func (m *Manager) Stop(target int) error {
	m.mu.Lock()
	s, ok := m.sessions[target]
	delete(m.sessions, target)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("target %d - %w", target, ErrNoSession)
	}
	log.Info("serial session stopped", zap.Int("target", target))
	return s.closer.Close()
}

// EvictIdle closes sessions without activity for longer than the inactivity
// timeout and returns how many were closed.
func (m *Manager) EvictIdle() int {
	now := m.now()

	m.mu.Lock()
	var idle []*session
	for target, s := range m.sessions {
		if now.Sub(s.info.LastActivity) > m.timeout {
			idle = append(idle, s)
			delete(m.sessions, target)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		log.Info("serial session idle, closing", zap.Int("target", s.info.Target),
			zap.Time("last_activity", s.info.LastActivity))
		if err := s.closer.Close(); err != nil {
			log.Warn("unable to close serial session", zap.Int("target", s.info.Target), zap.Error(err))
		}
	}
	return len(idle)
}

// Sessions lists open sessions ordered by target.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[int]*session{}
	m.opening = map[int]*reservation{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.closer.Close()
	}
}
