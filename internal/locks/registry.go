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

// Package locks serializes mutating operations per VM. VBoxManage holds its
// own machine locks, but letting two mutations race to the CLI just converts
// one of them into a confusing VirtualBox error; taking an in-process lock
// first gives deterministic queueing and clean busy errors.
package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// Registry hands out per-VM read/write leases. Waiters are served strictly
// in arrival order: a queued writer blocks later readers, so writers cannot
// starve.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*vmLock
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*vmLock)}
}

type waiter struct {
	shared bool
	ready  chan struct{}
}

type vmLock struct {
	readers int
	writer  bool
	queue   []*waiter
}

// idle reports whether the lock holds no leases and no waiters.
func (l *vmLock) idle() bool {
	return l.readers == 0 && !l.writer && len(l.queue) == 0
}

// grant wakes queue heads while they are compatible with the current holders.
// Called with the registry mutex held.
func (l *vmLock) grant() {
	for len(l.queue) > 0 {
		head := l.queue[0]
		if head.shared {
			if l.writer {
				return
			}
			l.readers++
		} else {
			if l.writer || l.readers > 0 {
				return
			}
			l.writer = true
		}
		l.queue = l.queue[1:]
		close(head.ready)
	}
}

// Lease is a held lock. Release is idempotent.
type Lease struct {
	registry *Registry
	vm       string
	shared   bool

	once sync.Once
}

// VM returns the key the lease covers.
func (l *Lease) VM() string { return l.vm }

// Shared reports whether the lease is a read lease.
func (l *Lease) Shared() bool { return l.shared }

// Release returns the lease to the registry. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.registry.release(l.vm, l.shared)
	})
}

// Acquire takes a lease on one VM. Shared leases coexist; exclusive leases
// are solitary. If the lease cannot be granted within timeout the call fails
// with a busy error so clients know to retry.
func (r *Registry) Acquire(ctx context.Context, vm string, shared bool, timeout time.Duration) (*Lease, error) {
	w := &waiter{shared: shared, ready: make(chan struct{})}

	r.mu.Lock()
	l, ok := r.locks[vm]
	if !ok {
		l = &vmLock{}
		r.locks[vm] = l
	}
	l.queue = append(l.queue, w)
	l.grant()
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return &Lease{registry: r, vm: vm, shared: shared}, nil

	case <-timer.C:
		if r.abandon(vm, w) {
			return nil, contracts.New(contracts.ErrBusy, "VM %s is locked by another operation", vm).
				WithDetail("vm", vm).
				WithDetail("timeout_seconds", int(timeout.Seconds()))
		}
		// Granted in the race window; hand the lease out after all.
		return &Lease{registry: r, vm: vm, shared: shared}, nil

	case <-ctx.Done():
		if r.abandon(vm, w) {
			return nil, contracts.Wrap(contracts.ErrCancelled, ctx.Err(), "lock wait for VM %s cancelled", vm)
		}
		lease := &Lease{registry: r, vm: vm, shared: shared}
		lease.Release()
		return nil, contracts.Wrap(contracts.ErrCancelled, ctx.Err(), "lock wait for VM %s cancelled", vm)
	}
}

// abandon removes w from the queue. Returns false if w was already granted.
func (r *Registry) abandon(vm string, w *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[vm]
	if !ok {
		return false
	}
	for i, queued := range l.queue {
		if queued == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			if l.idle() {
				delete(r.locks, vm)
			}
			return true
		}
	}
	return false
}

func (r *Registry) release(vm string, shared bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[vm]
	if !ok {
		return
	}
	if shared {
		if l.readers > 0 {
			l.readers--
		}
	} else {
		l.writer = false
	}
	l.grant()
	if l.idle() {
		delete(r.locks, vm)
	}
}

// AcquireMany takes leases on several VMs at once (clone holds source and
// target). Names are acquired in sorted order so two multi-VM operations can
// never deadlock against each other; on any failure the already-held leases
// are released.
func (r *Registry) AcquireMany(ctx context.Context, vms []string, shared bool, timeout time.Duration) ([]*Lease, error) {
	sorted := make([]string, len(vms))
	copy(sorted, vms)
	sort.Strings(sorted)

	leases := make([]*Lease, 0, len(sorted))
	deadline := time.Now().Add(timeout)

	for _, vm := range sorted {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		lease, err := r.Acquire(ctx, vm, shared, remaining)
		if err != nil {
			ReleaseAll(leases)
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// ReleaseAll releases leases in reverse acquisition order.
func ReleaseAll(leases []*Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		leases[i].Release()
	}
}

// Held reports how many VMs currently have active leases or waiters.
// Used by tests and the health endpoint.
func (r *Registry) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
