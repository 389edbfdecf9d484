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

package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

type fakeSessions struct {
	touched []string
}

func (f *fakeSessions) Touch(id string) { f.touched = append(f.touched, id) }

func newTestRegistry() (*Registry, *fakeSessions) {
	fs := &fakeSessions{}
	return NewRegistry(fs, logr.Discard()), fs
}

func echoTool(name string, actions ...string) *Tool {
	return &Tool{
		Name:    name,
		Actions: actions,
		Handler: func(ctx context.Context, action string, args json.RawMessage) (*Result, error) {
			return &Result{Data: map[string]string{"action": action}}, nil
		},
	}
}

func TestDispatchSuccess(t *testing.T) {
	r, fs := newTestRegistry()
	r.Register(echoTool("vm_management", "list", "start"))

	env := r.Dispatch(context.Background(), "sess-1", "vm_management", json.RawMessage(`{"action":"list"}`))
	require.True(t, env.Success)
	assert.Equal(t, map[string]string{"action": "list"}, env.Data)
	assert.Equal(t, "vm_management", env.Metadata.Tool)
	assert.Equal(t, "list", env.Metadata.Action)
	assert.GreaterOrEqual(t, env.Metadata.DurationMS, int64(1))
	assert.NotEmpty(t, env.Metadata.CorrelationID)
	assert.Nil(t, env.Error)
	assert.Equal(t, []string{"sess-1"}, fs.touched)
}

func TestDispatchUnknownTool(t *testing.T) {
	r, _ := newTestRegistry()

	env := r.Dispatch(context.Background(), "", "nope", json.RawMessage(`{"action":"x"}`))
	require.False(t, env.Success)
	assert.Equal(t, "not_found", env.Error.Kind)
}

func TestDispatchUnknownAction(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(echoTool("vm_management", "list"))

	env := r.Dispatch(context.Background(), "", "vm_management", json.RawMessage(`{"action":"explode"}`))
	require.False(t, env.Success)
	assert.Equal(t, "validation", env.Error.Kind)
	assert.Contains(t, env.Error.Message, "explode")
}

func TestDispatchMissingAction(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(echoTool("vm_management", "list"))

	env := r.Dispatch(context.Background(), "", "vm_management", json.RawMessage(`{}`))
	require.False(t, env.Success)
	assert.Equal(t, "validation", env.Error.Kind)
}

func TestDispatchHandlerError(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(&Tool{
		Name:    "vm_management",
		Actions: []string{"start"},
		Handler: func(ctx context.Context, action string, args json.RawMessage) (*Result, error) {
			return nil, contracts.New(contracts.ErrNotFound, "no such VM").WithDetail("vm", "ghost")
		},
	})

	env := r.Dispatch(context.Background(), "", "vm_management", json.RawMessage(`{"action":"start"}`))
	require.False(t, env.Success)
	assert.Equal(t, "not_found", env.Error.Kind)
	assert.Equal(t, "ghost", env.Error.Details["vm"])
}

func TestDispatchPanicBecomesInternal(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(&Tool{
		Name:    "vm_management",
		Actions: []string{"start"},
		Handler: func(ctx context.Context, action string, args json.RawMessage) (*Result, error) {
			panic("boom")
		},
	})

	env := r.Dispatch(context.Background(), "", "vm_management", json.RawMessage(`{"action":"start"}`))
	require.False(t, env.Success)
	assert.Equal(t, "internal", env.Error.Kind)
	assert.Contains(t, env.Error.Message, env.Metadata.CorrelationID)
}

func TestDispatchJobID(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(&Tool{
		Name:    "vm_management",
		Actions: []string{"clone"},
		Handler: func(ctx context.Context, action string, args json.RawMessage) (*Result, error) {
			return &Result{Data: map[string]string{"state": "queued"}, JobID: "job-123"}, nil
		},
	})

	env := r.Dispatch(context.Background(), "", "vm_management", json.RawMessage(`{"action":"clone"}`))
	require.True(t, env.Success)
	assert.Equal(t, "job-123", env.Metadata.JobID)
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register(echoTool("b_tool", "x"))
	r.Register(echoTool("a_tool", "x"))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b_tool", list[0].Name)
	assert.Equal(t, "a_tool", list[1].Name)
}

func TestDecodeStrict(t *testing.T) {
	type args struct {
		Action string `json:"action"`
		Name   string `json:"name"`
	}

	var a args
	require.NoError(t, Decode(json.RawMessage(`{"action":"start","name":"web-01"}`), &a))
	assert.Equal(t, "web-01", a.Name)

	err := Decode(json.RawMessage(`{"action":"start","nmae":"web-01"}`), &a)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrValidation))
	assert.Contains(t, err.Error(), "nmae")

	err = Decode(json.RawMessage(`{"action":"start"} trailing`), &a)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrValidation))

	require.NoError(t, Decode(nil, &a))
}

func TestPeekAction(t *testing.T) {
	action, err := PeekAction(json.RawMessage(`{"action":"list","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, "list", action)

	_, err = PeekAction(json.RawMessage(`{"extra":1}`))
	assert.True(t, contracts.IsKind(err, contracts.ErrValidation))

	_, err = PeekAction(json.RawMessage(`[]`))
	assert.True(t, contracts.IsKind(err, contracts.ErrValidation))

	_, err = PeekAction(nil)
	assert.True(t, contracts.IsKind(err, contracts.ErrValidation))
}

func TestValidatorHelpers(t *testing.T) {
	assert.NoError(t, RequireString("name", "web-01"))
	assert.True(t, contracts.IsKind(RequireString("name", "  "), contracts.ErrValidation))

	assert.NoError(t, RequireRange("cpus", 4, 1, 32))
	assert.True(t, contracts.IsKind(RequireRange("cpus", 0, 1, 32), contracts.ErrValidation))

	assert.NoError(t, RequireOneOf("mode", "nat", "nat", "bridged"))
	assert.True(t, contracts.IsKind(RequireOneOf("mode", "magic", "nat", "bridged"), contracts.ErrValidation))
}
