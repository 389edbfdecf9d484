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

// Package tools routes tool calls to handlers and shapes every response
// into the canonical envelope.
package tools

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/logging"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/metrics"
)

// Result is what a handler returns on success. JobID is set when the action
// was submitted as an asynchronous job.
type Result struct {
	Data  any
	JobID string
}

// HandlerFunc executes one action of a tool.
type HandlerFunc func(ctx context.Context, action string, args json.RawMessage) (*Result, error)

// Tool is one registered portmanteau tool.
type Tool struct {
	Name        string
	Description string
	// Actions is the closed action set; dispatch rejects anything else
	// before the handler runs.
	Actions []string
	// Schema is the JSON schema advertised over MCP.
	Schema  json.RawMessage
	Handler HandlerFunc
}

// Sessions is the slice of the session manager the dispatcher needs.
type Sessions interface {
	Touch(id string)
}

// Registry holds the tool table and dispatches calls.
type Registry struct {
	tools    map[string]*Tool
	order    []string
	sessions Sessions
	log      logr.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(sessions Sessions, log logr.Logger) *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		sessions: sessions,
		log:      log.WithName("tools"),
	}
}

// Register adds a tool. Registering the same name twice is a programming
// error and panics during startup wiring.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic("tool registered twice: " + t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// List returns the tools in registration order.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Dispatch runs one tool call and always returns an envelope; errors are
// mapped, never propagated. A panicking handler yields an internal error
// with the correlation ID for log lookup rather than killing the server.
func (r *Registry) Dispatch(ctx context.Context, sessionID, toolName string, args json.RawMessage) *Envelope {
	start := time.Now()
	correlationID := uuid.NewString()
	meta := Metadata{Tool: toolName, CorrelationID: correlationID}

	ctx = logging.WithCorrelationID(ctx, correlationID)
	if sessionID != "" {
		ctx = logging.WithSession(ctx, sessionID)
		r.sessions.Touch(sessionID)
	}

	finish := func(env *Envelope, action, outcome string) *Envelope {
		env.Metadata.DurationMS = durationMS(start)
		metrics.RecordToolCall(toolName, action, outcome, time.Since(start))
		return env
	}

	tool, ok := r.tools[toolName]
	if !ok {
		err := contracts.New(contracts.ErrNotFound, "unknown tool %q", toolName)
		return finish(errEnvelope(err, meta), "", "error")
	}

	action := ""
	if len(tool.Actions) > 0 {
		var err error
		action, err = PeekAction(args)
		if err != nil {
			return finish(errEnvelope(err, meta), "", "error")
		}
		meta.Action = action
		if !contains(tool.Actions, action) {
			err := contracts.New(contracts.ErrValidation, "unknown action %q for tool %s", action, toolName).
				WithDetail("allowed_actions", tool.Actions)
			return finish(errEnvelope(err, meta), action, "error")
		}
	}

	ctx = logging.WithTool(ctx, toolName, action)
	log := logging.FromContext(ctx)
	log.V(1).Info("dispatching tool call")

	env := r.invoke(ctx, tool, action, args, meta)
	outcome := "success"
	if !env.Success {
		outcome = env.Error.Kind
	}
	log.V(1).Info("tool call finished", "outcome", outcome)
	return finish(env, action, outcome)
}

// invoke isolates the panic recovery scope.
func (r *Registry) invoke(ctx context.Context, tool *Tool, action string, args json.RawMessage, meta Metadata) (env *Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.FromContext(ctx).Error(nil, "handler panicked",
				"panic", rec, "stack", string(debug.Stack()))
			err := contracts.New(contracts.ErrInternal,
				"internal error; reference correlation_id %s", meta.CorrelationID)
			env = errEnvelope(err, meta)
		}
	}()

	res, err := tool.Handler(ctx, action, args)
	if err != nil {
		return errEnvelope(err, meta)
	}
	if res != nil && res.JobID != "" {
		meta.JobID = res.JobID
	}
	var data any
	if res != nil {
		data = res.Data
	}
	return okEnvelope(data, meta)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
