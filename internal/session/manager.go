/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package session tracks client sessions. Sessions exist so long-lived MCP
// clients have an identity to attach job ownership and activity accounting
// to; an inactive session is swept after its TTL.
package session

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/metrics"
)

// Session is one client session. Data is opaque to the manager; handlers
// namespace their keys ("vm_workflow.history" and the like).
type Session struct {
	ID         string         `json:"id"`
	ClientName string         `json:"client_name,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastActive time.Time      `json:"last_active"`
	ToolCalls  int            `json:"tool_calls"`
	Data       map[string]any `json:"data,omitempty"`
}

// Config tunes the manager.
type Config struct {
	// TTL is the inactivity timeout.
	TTL time.Duration
	// SweepInterval is how often expired sessions are collected.
	SweepInterval time.Duration
	// OnExpire runs for each swept or ended session (job cancellation hook).
	OnExpire func(sessionID string)

	Logger logr.Logger
}

// Manager owns the session table. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cfg      Config
	log      logr.Logger
	stop     chan struct{}
	done     sync.WaitGroup
	closed   bool
}

// NewManager creates a manager and starts its sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	m := &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		log:      cfg.Logger.WithName("session"),
		stop:     make(chan struct{}),
	}
	m.done.Add(1)
	go m.sweeper()
	return m
}

// Create registers a new session and returns it.
func (m *Manager) Create(clientName string) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		ClientName: clientName,
		CreatedAt:  now,
		LastActive: now,
		Data:       make(map[string]any),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	metrics.SetActiveSessions(len(m.sessions))
	snap := s.snapshot()
	m.mu.Unlock()

	m.log.Info("session created", "session", s.ID, "client", clientName)
	return snap
}

// Touch refreshes a session's activity clock and bumps its call counter.
// Touching an ID the sweeper already expired revives it as a fresh session
// under the same ID, so a client whose session lapsed mid-connection keeps
// working; the old session data is gone.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{ID: id, CreatedAt: now, Data: make(map[string]any)}
		m.sessions[id] = s
		metrics.SetActiveSessions(len(m.sessions))
		m.log.Info("session revived", "session", id)
	}
	s.LastActive = now
	s.ToolCalls++
}

// Refresh extends an existing session by one full TTL from now. Unlike Touch
// it never creates, never bumps the call counter, and never resets data.
func (m *Manager) Refresh(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return contracts.New(contracts.ErrNotFound, "session %s not found", id)
	}
	s.LastActive = time.Now()
	return nil
}

// SetData stores a handler-owned value on a session. An unknown ID is a
// no-op: the caller's session may have been swept mid-call.
func (m *Manager) SetData(id, key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		if s.Data == nil {
			s.Data = make(map[string]any)
		}
		s.Data[key] = value
	}
}

// Get returns a session snapshot.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, contracts.New(contracts.ErrNotFound, "session %s not found", id)
	}
	return s.snapshot(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// snapshot copies the session, including its data map, so callers never
// observe concurrent handler writes. Caller holds m.mu.
func (s *Session) snapshot() *Session {
	c := *s
	c.Data = make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		c.Data[k] = v
	}
	return &c
}

// End terminates a session explicitly.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()

	if !ok {
		return contracts.New(contracts.ErrNotFound, "session %s not found", id)
	}
	if m.cfg.OnExpire != nil {
		m.cfg.OnExpire(id)
	}
	m.log.Info("session ended", "session", id)
	return nil
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the sweeper. Live sessions are left to the process exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	m.done.Wait()
}

func (m *Manager) sweeper() {
	defer m.done.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes sessions inactive past the TTL.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastActive.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	for _, id := range expired {
		if m.cfg.OnExpire != nil {
			m.cfg.OnExpire(id)
		}
		m.log.Info("session expired", "session", id)
	}
}
