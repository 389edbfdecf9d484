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

// Package jobs runs long operations asynchronously. Tool handlers submit a
// job and return its ID immediately; clients poll job_get for progress and
// the result. Jobs run on a context detached from the submitting request so
// a disconnecting client does not abort a half-done clone.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/logging"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/metrics"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut || s == StateCancelled
}

// View is the client-visible snapshot of a job.
type View struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	SessionID  string     `json:"session_id,omitempty"`
	State      State      `json:"state"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      *ErrorView `json:"error,omitempty"`
}

// ErrorView is the serialized failure of a job.
type ErrorView struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type job struct {
	view   View
	cancel context.CancelFunc
	done   chan struct{}
}

// Fn is the body of a job. progress may be called at any time with a
// percentage (0..100) and a human message.
type Fn func(ctx context.Context, progress func(pct int, msg string)) (any, error)

// Config tunes the engine.
type Config struct {
	// ResultTTL is how long terminal jobs stay queryable.
	ResultTTL time.Duration
	// SweepInterval is how often expired results are collected.
	SweepInterval time.Duration

	Logger logr.Logger
}

// Engine owns the job table. Safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	jobs   map[string]*job
	cfg    Config
	log    logr.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewEngine creates an engine and starts its sweeper.
func NewEngine(cfg Config) *Engine {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	e := &Engine{
		jobs: make(map[string]*job),
		cfg:  cfg,
		log:  cfg.Logger.WithName("jobs"),
		stop: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.sweeper()
	return e
}

// Submit registers and starts a job. The job context is detached from the
// caller's: only job_cancel or shutdown stops it.
func (e *Engine) Submit(kind, sessionID string, fn Fn) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", contracts.New(contracts.ErrInvalidState, "job engine is shutting down")
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		view: View{
			ID:        uuid.NewString(),
			Kind:      kind,
			SessionID: sessionID,
			State:     StateQueued,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.jobs[j.view.ID] = j
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, j, fn)

	e.log.Info("job submitted", "job", j.view.ID, "kind", kind, "session", sessionID)
	return j.view.ID, nil
}

func (e *Engine) run(ctx context.Context, j *job, fn Fn) {
	defer e.wg.Done()
	defer close(j.done)

	e.mu.Lock()
	if j.view.State != StateQueued {
		// Cancelled before it ever ran.
		e.mu.Unlock()
		return
	}
	now := time.Now()
	j.view.State = StateRunning
	j.view.StartedAt = &now
	e.mu.Unlock()

	metrics.JobStarted()
	defer metrics.JobFinished()

	ctx = logging.WithJob(ctx, j.view.ID)
	progress := func(pct int, msg string) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		e.mu.Lock()
		if j.view.State == StateRunning {
			j.view.Progress = pct
			j.view.Message = msg
		}
		e.mu.Unlock()
	}

	result, err := fn(ctx, progress)

	e.mu.Lock()
	defer e.mu.Unlock()

	finished := time.Now()
	j.view.FinishedAt = &finished

	switch {
	case err == nil:
		j.view.State = StateSucceeded
		j.view.Progress = 100
		j.view.Result = result

	case contracts.IsKind(err, contracts.ErrCancelled) || errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		j.view.State = StateCancelled

	case contracts.IsKind(err, contracts.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		ce := contracts.AsError(err)
		j.view.State = StateTimedOut
		j.view.Error = &ErrorView{
			Kind:    string(ce.Kind),
			Message: ce.Message,
			Details: ce.Details,
		}

	default:
		ce := contracts.AsError(err)
		j.view.State = StateFailed
		j.view.Error = &ErrorView{
			Kind:    string(ce.Kind),
			Message: ce.Message,
			Details: ce.Details,
		}
	}

	metrics.RecordJobFinished(j.view.Kind, string(j.view.State))
	e.log.Info("job finished", "job", j.view.ID, "kind", j.view.Kind, "state", string(j.view.State))
}

// Get returns a snapshot of one job.
func (e *Engine) Get(id string) (*View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return nil, contracts.New(contracts.ErrNotFound, "job %s not found", id)
	}
	snapshot := j.view
	return &snapshot, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State     State
	Kind      string
	SessionID string
}

// List returns snapshots of jobs matching the filter, newest first.
func (e *Engine) List(f Filter) []*View {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*View
	for _, j := range e.jobs {
		if f.State != "" && j.view.State != f.State {
			continue
		}
		if f.Kind != "" && j.view.Kind != f.Kind {
			continue
		}
		if f.SessionID != "" && j.view.SessionID != f.SessionID {
			continue
		}
		snapshot := j.view
		out = append(out, &snapshot)
	}
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && out[k].CreatedAt.After(out[k-1].CreatedAt); k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
	return out
}

// Cancel stops a job. Queued jobs cancel immediately; running jobs get their
// context cancelled and report cancelled once the body returns. Cancelling a
// terminal job is an invalid_state error.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return contracts.New(contracts.ErrNotFound, "job %s not found", id)
	}

	switch j.view.State {
	case StateQueued:
		now := time.Now()
		j.view.State = StateCancelled
		j.view.FinishedAt = &now
		e.mu.Unlock()
		j.cancel()
		metrics.RecordJobFinished(j.view.Kind, string(StateCancelled))
		return nil

	case StateRunning:
		e.mu.Unlock()
		j.cancel()
		return nil

	default:
		state := j.view.State
		e.mu.Unlock()
		return contracts.New(contracts.ErrInvalidState, "job %s is already %s", id, state)
	}
}

// CancelBySession cancels every non-terminal job owned by a session. Used
// when a session ends or expires.
func (e *Engine) CancelBySession(sessionID string) {
	e.mu.Lock()
	var ids []string
	for id, j := range e.jobs {
		if j.view.SessionID == sessionID && !j.view.State.Terminal() {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Cancel(id)
	}
}

// Wait blocks until the job reaches a terminal state or the context ends.
func (e *Engine) Wait(ctx context.Context, id string) (*View, error) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return nil, contracts.New(contracts.ErrNotFound, "job %s not found", id)
	}

	select {
	case <-j.done:
		return e.Get(id)
	case <-ctx.Done():
		return nil, contracts.Wrap(contracts.ErrCancelled, ctx.Err(), "wait for job %s cancelled", id)
	}
}

// Close cancels all running jobs and waits for them to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, j := range e.jobs {
		if !j.view.State.Terminal() {
			j.cancel()
		}
	}
	e.mu.Unlock()

	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) sweeper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

// sweep drops terminal jobs past the result TTL.
func (e *Engine) sweep() {
	cutoff := time.Now().Add(-e.cfg.ResultTTL)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, j := range e.jobs {
		if j.view.State.Terminal() && j.view.FinishedAt != nil && j.view.FinishedAt.Before(cutoff) {
			delete(e.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		e.log.V(1).Info("swept expired job results", "count", removed, "remaining", len(e.jobs))
	}
}
