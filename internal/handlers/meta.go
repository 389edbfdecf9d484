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

package handlers

import (
	"context"
	"encoding/json"

	"github.com/projectbeskar/virtualization-mcp/internal/jobs"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
)

// metaTools returns the single-action tools for job and session control.
// Unlike the portmanteau tools these take no action discriminator beyond
// their name, but they still carry one for uniform dispatch.
func (rt *Runtime) metaTools() []*tools.Tool {
	return []*tools.Tool{
		{
			Name:        "job_get",
			Description: "Fetch the state, progress, and result of one asynchronous job.",
			Actions:     []string{"get"},
			Schema: json.RawMessage(`{
  "type": "object",
  "required": ["action", "job_id"],
  "properties": {
    "action": {"type": "string", "enum": ["get"]},
    "job_id": {"type": "string"}
  }
}`),
			Handler: rt.handleJobGet,
		},
		{
			Name:        "job_list",
			Description: "List asynchronous jobs, optionally filtered by state, kind, or session.",
			Actions:     []string{"list"},
			Schema: json.RawMessage(`{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["list"]},
    "state": {"type": "string", "enum": ["queued", "running", "succeeded", "failed", "timed_out", "cancelled"]},
    "kind": {"type": "string"},
    "session_id": {"type": "string"}
  }
}`),
			Handler: rt.handleJobList,
		},
		{
			Name:        "job_cancel",
			Description: "Cancel a queued or running job.",
			Actions:     []string{"cancel"},
			Schema: json.RawMessage(`{
  "type": "object",
  "required": ["action", "job_id"],
  "properties": {
    "action": {"type": "string", "enum": ["cancel"]},
    "job_id": {"type": "string"}
  }
}`),
			Handler: rt.handleJobCancel,
		},
		{
			Name:        "session_get",
			Description: "Inspect a client session: creation time, last activity, and call count.",
			Actions:     []string{"get"},
			Schema: json.RawMessage(`{
  "type": "object",
  "required": ["action", "session_id"],
  "properties": {
    "action": {"type": "string", "enum": ["get"]},
    "session_id": {"type": "string"}
  }
}`),
			Handler: rt.handleSessionGet,
		},
		{
			Name:        "session_end",
			Description: "End a client session and cancel its outstanding jobs.",
			Actions:     []string{"end"},
			Schema: json.RawMessage(`{
  "type": "object",
  "required": ["action", "session_id"],
  "properties": {
    "action": {"type": "string", "enum": ["end"]},
    "session_id": {"type": "string"}
  }
}`),
			Handler: rt.handleSessionEnd,
		},
	}
}

type jobIDArgs struct {
	Action string `json:"action"`
	JobID  string `json:"job_id"`
}

func (rt *Runtime) handleJobGet(_ context.Context, _ string, args json.RawMessage) (*tools.Result, error) {
	var a jobIDArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("job_id", a.JobID); err != nil {
		return nil, err
	}

	view, err := rt.Jobs.Get(a.JobID)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: view}, nil
}

type jobListArgs struct {
	Action    string `json:"action"`
	State     string `json:"state"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`
}

func (rt *Runtime) handleJobList(_ context.Context, _ string, args json.RawMessage) (*tools.Result, error) {
	var a jobListArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if a.State != "" {
		if err := tools.RequireOneOf("state", a.State, "queued", "running", "succeeded", "failed", "timed_out", "cancelled"); err != nil {
			return nil, err
		}
	}

	views := rt.Jobs.List(jobs.Filter{
		State:     jobs.State(a.State),
		Kind:      a.Kind,
		SessionID: a.SessionID,
	})
	return &tools.Result{Data: map[string]any{"jobs": views, "count": len(views)}}, nil
}

func (rt *Runtime) handleJobCancel(_ context.Context, _ string, args json.RawMessage) (*tools.Result, error) {
	var a jobIDArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("job_id", a.JobID); err != nil {
		return nil, err
	}

	if err := rt.Jobs.Cancel(a.JobID); err != nil {
		return nil, err
	}
	view, err := rt.Jobs.Get(a.JobID)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: view}, nil
}

type sessionIDArgs struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
}

func (rt *Runtime) handleSessionGet(_ context.Context, _ string, args json.RawMessage) (*tools.Result, error) {
	var a sessionIDArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("session_id", a.SessionID); err != nil {
		return nil, err
	}

	sess, err := rt.Sessions.Get(a.SessionID)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: sess}, nil
}

func (rt *Runtime) handleSessionEnd(_ context.Context, _ string, args json.RawMessage) (*tools.Result, error) {
	var a sessionIDArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("session_id", a.SessionID); err != nil {
		return nil, err
	}

	if err := rt.Sessions.End(a.SessionID); err != nil {
		return nil, err
	}
	return &tools.Result{Data: map[string]any{"session_id": a.SessionID, "ended": true}}, nil
}
