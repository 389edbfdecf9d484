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

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	cfg.Logger = logr.Discard()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})

	s := m.Create("claude-desktop")
	require.NotEmpty(t, s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "claude-desktop", got.ClientName)
	assert.Equal(t, 1, m.Count())
}

func TestGetUnknown(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})

	_, err := m.Get("nope")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
}

func TestTouchBumpsActivity(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})
	s := m.Create("")

	before, err := m.Get(s.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	m.Touch(s.ID)
	m.Touch(s.ID)

	after, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.ToolCalls)
	assert.True(t, after.LastActive.After(before.LastActive))
}

func TestTouchRevivesExpiredSession(t *testing.T) {
	m := newTestManager(t, Config{TTL: 10 * time.Millisecond})
	s := m.Create("client")
	m.SetData(s.ID, "vm_workflow.history", []any{"start"})

	time.Sleep(20 * time.Millisecond)
	m.sweep()
	_, err := m.Get(s.ID)
	require.True(t, contracts.IsKind(err, contracts.ErrNotFound))

	// A client that kept its old ID gets a fresh session, without the old
	// data.
	m.Touch(s.ID)

	revived, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, revived.Data)
	assert.Empty(t, revived.ClientName)
	assert.Equal(t, 1, revived.ToolCalls)
}

func TestRefresh(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})
	s := m.Create("")
	m.SetData(s.ID, "k", "v")

	before, err := m.Get(s.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Refresh(s.ID))

	after, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActive.After(before.LastActive))
	assert.Equal(t, before.ToolCalls, after.ToolCalls)
	assert.Equal(t, "v", after.Data["k"])

	err = m.Refresh("nope")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
}

func TestSessionData(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})
	s := m.Create("")

	m.SetData(s.ID, "vm_workflow.history", []any{map[string]any{"action": "start"}})

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Len(t, got.Data, 1)

	// Snapshots own their data map.
	got.Data["injected"] = true
	fresh, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.NotContains(t, fresh.Data, "injected")

	// Unknown IDs are a no-op, not a panic.
	m.SetData("nope", "k", "v")
}

func TestGetReturnsSnapshot(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})
	s := m.Create("")

	snap, err := m.Get(s.ID)
	require.NoError(t, err)
	snap.ToolCalls = 99

	fresh, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.ToolCalls)
}

func TestEnd(t *testing.T) {
	var expired []string
	var mu sync.Mutex
	m := newTestManager(t, Config{
		TTL: time.Hour,
		OnExpire: func(id string) {
			mu.Lock()
			expired = append(expired, id)
			mu.Unlock()
		},
	})

	s := m.Create("")
	require.NoError(t, m.End(s.ID))
	assert.Zero(t, m.Count())

	mu.Lock()
	assert.Equal(t, []string{s.ID}, expired)
	mu.Unlock()

	err := m.End(s.ID)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
}

func TestSweepExpiresInactiveSessions(t *testing.T) {
	var expired []string
	var mu sync.Mutex
	m := newTestManager(t, Config{
		TTL: 30 * time.Millisecond,
		OnExpire: func(id string) {
			mu.Lock()
			expired = append(expired, id)
			mu.Unlock()
		},
	})

	stale := m.Create("stale")
	active := m.Create("active")

	time.Sleep(50 * time.Millisecond)
	m.Touch(active.ID)
	m.sweep()

	assert.Equal(t, 1, m.Count())
	_, err := m.Get(stale.ID)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
	_, err = m.Get(active.ID)
	assert.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{stale.ID}, expired)
	mu.Unlock()
}

func TestList(t *testing.T) {
	m := newTestManager(t, Config{TTL: time.Hour})
	m.Create("a")
	m.Create("b")
	assert.Len(t, m.List(), 2)
}
