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

package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(Config{ResultTTL: time.Hour, SweepInterval: time.Hour, Logger: logr.Discard()})
	t.Cleanup(e.Close)
	return e
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	e := NewEngine(Config{ResultTTL: time.Hour, SweepInterval: time.Hour, Logger: logr.Discard()})
	e.Close()

	_, err := e.Submit("vm.clone", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrInvalidState))
}

func TestJobSucceeds(t *testing.T) {
	e := newTestEngine(t)

	id, err := e.Submit("vm.clone", "sess-1", func(ctx context.Context, progress func(int, string)) (any, error) {
		progress(50, "copying disks")
		return map[string]string{"clone": "web-02"}, nil
	})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, view.State)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, map[string]string{"clone": "web-02"}, view.Result)
	assert.NotNil(t, view.StartedAt)
	assert.NotNil(t, view.FinishedAt)
	assert.Nil(t, view.Error)
}

func TestJobFails(t *testing.T) {
	e := newTestEngine(t)

	id, err := e.Submit("vm.export", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		return nil, contracts.New(contracts.ErrHostError, "disk full").WithDetail("path", "/exports")
	})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, "host_error", view.Error.Kind)
	assert.Equal(t, "disk full", view.Error.Message)
	assert.Equal(t, "/exports", view.Error.Details["path"])
}

func TestJobTimesOut(t *testing.T) {
	e := newTestEngine(t)

	id, err := e.Submit("vm.export", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		return nil, contracts.New(contracts.ErrTimeout, "export of web-01 exceeded its deadline").
			WithDetail("operation", "vm.export")
	})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, view.State)
	assert.True(t, view.State.Terminal())
	require.NotNil(t, view.Error)
	assert.Equal(t, "timeout", view.Error.Kind)
	assert.Equal(t, "vm.export", view.Error.Details["operation"])
}

func TestJobDeadlineExceededIsTimedOut(t *testing.T) {
	e := newTestEngine(t)

	id, err := e.Submit("vm.clone", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		dctx, cancel := context.WithTimeout(ctx, time.Millisecond)
		defer cancel()
		<-dctx.Done()
		return nil, dctx.Err()
	})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, "timeout", view.Error.Kind)
}

func TestJobProgressVisibleWhileRunning(t *testing.T) {
	e := newTestEngine(t)

	release := make(chan struct{})
	reported := make(chan struct{})
	id, err := e.Submit("vm.clone", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		progress(42, "merging")
		close(reported)
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	<-reported
	view, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, view.State)
	assert.Equal(t, 42, view.Progress)
	assert.Equal(t, "merging", view.Message)

	close(release)
	_, err = e.Wait(context.Background(), id)
	require.NoError(t, err)
}

func TestCancelRunningJob(t *testing.T) {
	e := newTestEngine(t)

	started := make(chan struct{})
	id, err := e.Submit("vm.clone", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, contracts.Wrap(contracts.ErrCancelled, ctx.Err(), "clone aborted")
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, e.Cancel(id))

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, view.State)
}

func TestCancelTerminalJobIsInvalidState(t *testing.T) {
	e := newTestEngine(t)

	id, err := e.Submit("vm.clone", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = e.Wait(context.Background(), id)
	require.NoError(t, err)

	err = e.Cancel(id)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrInvalidState))
}

func TestCancelUnknownJob(t *testing.T) {
	e := newTestEngine(t)
	err := e.Cancel("nope")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
}

func TestListFilters(t *testing.T) {
	e := newTestEngine(t)

	a, err := e.Submit("vm.clone", "sess-1", func(ctx context.Context, progress func(int, string)) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	b, err := e.Submit("vm.export", "sess-2", func(ctx context.Context, progress func(int, string)) (any, error) {
		return nil, contracts.New(contracts.ErrHostError, "boom")
	})
	require.NoError(t, err)

	_, err = e.Wait(context.Background(), a)
	require.NoError(t, err)
	_, err = e.Wait(context.Background(), b)
	require.NoError(t, err)

	all := e.List(Filter{})
	assert.Len(t, all, 2)

	failed := e.List(Filter{State: StateFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, b, failed[0].ID)

	bySession := e.List(Filter{SessionID: "sess-1"})
	require.Len(t, bySession, 1)
	assert.Equal(t, a, bySession[0].ID)

	byKind := e.List(Filter{Kind: "vm.export"})
	require.Len(t, byKind, 1)
	assert.Equal(t, b, byKind[0].ID)
}

func TestCancelBySession(t *testing.T) {
	e := newTestEngine(t)

	started := make(chan struct{}, 2)
	mk := func(sess string) string {
		id, err := e.Submit("vm.clone", sess, func(ctx context.Context, progress func(int, string)) (any, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, contracts.Wrap(contracts.ErrCancelled, ctx.Err(), "aborted")
		})
		require.NoError(t, err)
		return id
	}
	mine := mk("sess-1")
	other := mk("sess-2")

	<-started
	<-started
	e.CancelBySession("sess-1")

	view, err := e.Wait(context.Background(), mine)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, view.State)

	got, err := e.Get(other)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)

	require.NoError(t, e.Cancel(other))
	_, err = e.Wait(context.Background(), other)
	require.NoError(t, err)
}

func TestSweepDropsExpiredResults(t *testing.T) {
	e := NewEngine(Config{ResultTTL: 20 * time.Millisecond, SweepInterval: time.Hour, Logger: logr.Discard()})
	t.Cleanup(e.Close)

	id, err := e.Submit("vm.clone", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = e.Wait(context.Background(), id)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	e.sweep()

	_, err = e.Get(id)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
}

func TestProgressClamped(t *testing.T) {
	e := newTestEngine(t)

	probe := make(chan struct{})
	release := make(chan struct{})
	id, err := e.Submit("vm.clone", "", func(ctx context.Context, progress func(int, string)) (any, error) {
		progress(150, "over")
		close(probe)
		<-release
		progress(-5, "under")
		return nil, nil
	})
	require.NoError(t, err)

	<-probe
	view, err := e.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 100, view.Progress)

	close(release)
	_, err = e.Wait(context.Background(), id)
	require.NoError(t, err)
}
