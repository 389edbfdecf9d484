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

// Package pool reuses guest-control channels. Each VBoxManage guestcontrol
// call re-authenticates against the guest; keeping a validated (vm, user)
// channel around lets repeated guest commands skip redundant validation and
// gives the server one place to cap concurrent guest work.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/metrics"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
)

// Config tunes the pool.
type Config struct {
	// MaxSize is the global channel cap across all VMs.
	MaxSize int
	// IdleTTL evicts channels unused for this long.
	IdleTTL time.Duration
	// MaxUsage recycles a channel after this many uses.
	MaxUsage int
	// AcquireWait bounds how long Acquire blocks for a free slot when the
	// pool is full and nothing is evictable.
	AcquireWait time.Duration
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration

	Logger logr.Logger
}

type key struct {
	vm   string
	user string
}

// Channel is one pooled guest-credential binding. A channel is exclusive
// while checked out.
type Channel struct {
	VM    string
	Creds vbox.GuestCredentials

	createdAt time.Time
	lastUsed  time.Time
	uses      int
	inUse     bool
	poisoned  bool
}

// Uses reports how many commands have run over the channel.
func (c *Channel) Uses() int { return c.uses }

// Pool is the guest-channel pool. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	conns   map[key][]*Channel
	total   int
	waiters []chan struct{}
	cfg     Config
	log     logr.Logger
	closed  bool
	stop    chan struct{}
	done    sync.WaitGroup
}

// New creates a pool and starts its sweeper.
func New(cfg Config) *Pool {
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 20
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	if cfg.MaxUsage < 1 {
		cfg.MaxUsage = 100
	}
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	p := &Pool{
		conns: make(map[key][]*Channel),
		cfg:   cfg,
		log:   cfg.Logger.WithName("pool"),
		stop:  make(chan struct{}),
	}

	p.done.Add(1)
	go p.sweeper()
	return p
}

// Acquire checks out a channel for (vm, username), reusing an idle one when
// possible. When the pool is full, the oldest idle channel anywhere is
// evicted to make room; if every channel is in use the call blocks until a
// release frees a slot, up to AcquireWait, then fails with pool_exhausted.
func (p *Pool) Acquire(ctx context.Context, vmName string, creds vbox.GuestCredentials) (*Channel, error) {
	deadline := time.NewTimer(p.cfg.AcquireWait)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, contracts.New(contracts.ErrInternal, "connection pool is closed")
		}

		k := key{vm: vmName, user: creds.Username}
		for _, ch := range p.conns[k] {
			if !ch.inUse && !ch.poisoned && ch.Creds.Password == creds.Password {
				ch.inUse = true
				ch.lastUsed = time.Now()
				p.mu.Unlock()
				return ch, nil
			}
		}

		if p.total < p.cfg.MaxSize || p.evictIdleLocked() {
			ch := &Channel{
				VM:        vmName,
				Creds:     creds,
				createdAt: time.Now(),
				lastUsed:  time.Now(),
				inUse:     true,
			}
			p.conns[k] = append(p.conns[k], ch)
			p.total++
			metrics.SetPooledConnections(p.total)
			p.mu.Unlock()
			return ch, nil
		}

		// Every channel is checked out; wait for a release to free one.
		w := make(chan struct{})
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-w:
		case <-deadline.C:
			p.abandonWaiter(w)
			return nil, contracts.New(contracts.ErrPoolExhausted,
				"all %d guest connections are in use", p.cfg.MaxSize).
				WithDetail("max_size", p.cfg.MaxSize).
				WithDetail("waited_ms", p.cfg.AcquireWait.Milliseconds())
		case <-ctx.Done():
			p.abandonWaiter(w)
			return nil, contracts.Wrap(contracts.ErrCancelled, ctx.Err(),
				"acquire of guest connection for %s cancelled", vmName)
		}
	}
}

// notifyLocked wakes the longest-waiting Acquire, if any. Caller holds p.mu.
func (p *Pool) notifyLocked() {
	if len(p.waiters) > 0 {
		close(p.waiters[0])
		p.waiters = p.waiters[1:]
	}
}

// abandonWaiter unregisters a waiter that timed out or was cancelled. If the
// waiter was already signalled, the freed slot is handed to the next one so
// the wakeup is not lost.
func (p *Pool) abandonWaiter(w chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	p.notifyLocked()
}

// Release returns a channel. A non-nil opErr poisons it; channels past their
// usage budget are recycled instead of going back idle.
func (p *Pool) Release(ch *Channel, opErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch.inUse = false
	ch.uses++
	ch.lastUsed = time.Now()

	if opErr != nil {
		ch.poisoned = true
	}
	if ch.poisoned || ch.uses >= p.cfg.MaxUsage {
		p.removeLocked(ch)
		return
	}
	// Back to idle means reusable or evictable.
	p.notifyLocked()
}

// Invalidate drops every channel for a VM. Called when the VM stops or is
// deleted: the guest sessions behind them are gone.
func (p *Pool) Invalidate(vmName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idle []*Channel
	for k, list := range p.conns {
		if k.vm != vmName {
			continue
		}
		for _, ch := range list {
			if ch.inUse {
				// Checked-out channels stay tracked and die on release.
				ch.poisoned = true
			} else {
				idle = append(idle, ch)
			}
		}
	}
	for _, ch := range idle {
		p.removeLocked(ch)
	}
}

// Size reports the current channel count, idle and checked out.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Close stops the sweeper and drops all idle channels.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.conns = make(map[key][]*Channel)
	p.total = 0
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	metrics.SetPooledConnections(0)
	p.mu.Unlock()

	close(p.stop)
	p.done.Wait()
}

// evictIdleLocked removes the least recently used idle channel. Returns
// false when everything is checked out.
func (p *Pool) evictIdleLocked() bool {
	var oldest *Channel
	for _, list := range p.conns {
		for _, ch := range list {
			if ch.inUse {
				continue
			}
			if oldest == nil || ch.lastUsed.Before(oldest.lastUsed) {
				oldest = ch
			}
		}
	}
	if oldest == nil {
		return false
	}
	p.removeLocked(oldest)
	return true
}

func (p *Pool) removeLocked(ch *Channel) {
	k := key{vm: ch.VM, user: ch.Creds.Username}
	list := p.conns[k]
	for i, c := range list {
		if c == ch {
			p.conns[k] = append(list[:i], list[i+1:]...)
			p.total--
			break
		}
	}
	if len(p.conns[k]) == 0 {
		delete(p.conns, k)
	}
	metrics.SetPooledConnections(p.total)
	p.notifyLocked()
}

func (p *Pool) sweeper() {
	defer p.done.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep drops idle channels past their TTL.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.IdleTTL)
	var expired []*Channel
	for _, list := range p.conns {
		for _, ch := range list {
			if !ch.inUse && ch.lastUsed.Before(cutoff) {
				expired = append(expired, ch)
			}
		}
	}
	for _, ch := range expired {
		p.removeLocked(ch)
	}
	if len(expired) > 0 {
		p.log.V(1).Info("swept idle guest connections", "count", len(expired), "remaining", p.total)
	}
}
