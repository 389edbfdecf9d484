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

// Package mcp speaks the Model Context Protocol over stdio: newline-delimited
// JSON-RPC 2.0 requests on stdin, responses on stdout. One stdio connection
// maps to one client session, created on initialize and ended when the stream
// closes.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/go-logr/logr"

	"github.com/projectbeskar/virtualization-mcp/internal/session"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
)

const protocolVersion = "2024-11-05"

// maxMessageSize bounds a single JSON-RPC line (16 MB).
const maxMessageSize = 16 * 1024 * 1024

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"` // null for notifications
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type initializeParams struct {
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
	Instructions    string       `json:"instructions,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *struct{} `json:"tools"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

const instructions = `virtualization-mcp manages VirtualBox virtual machines on this host via VBoxManage.

Key points:
- Every tool takes an "action" argument selecting the operation; unknown arguments are rejected.
- Long operations (vm start/clone/export/import, snapshot restore/delete, disk clone, backups) return a job_id immediately. Poll it with job_get, list with job_list, cancel with job_cancel.
- Responses are a uniform envelope: {success, data, error{kind, message, details}, metadata{tool, action, duration_ms, job_id, correlation_id}}. On failure inspect error.kind; "busy" errors are retryable.
- Mutations on a running VM that time out carry error.details.committed="unknown": VirtualBox may or may not have applied the change.
- Guest command execution (vm_management action=execute) needs guest additions plus guest credentials.`

// Server runs the MCP loop for one stdio connection.
type Server struct {
	Registry *tools.Registry
	Sessions *session.Manager
	Name     string
	Version  string
	Log      logr.Logger

	mu        sync.Mutex
	sessionID string
}

// SessionID returns the session created by initialize, empty before that.
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Serve reads requests until EOF or context cancellation. The connection's
// session, if one was created, is ended on return.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	defer func() {
		if id := s.SessionID(); id != "" {
			_ = s.Sessions.End(id)
		}
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.reply(enc, jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: codeParseError, Message: "parse error"},
				ID:      json.RawMessage("null"),
			})
			continue
		}

		// Notifications get no response.
		if req.ID == nil {
			continue
		}

		resp := s.handle(ctx, &req)
		s.reply(enc, resp)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) reply(enc *json.Encoder, resp jsonRPCResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := enc.Encode(resp); err != nil {
		s.Log.Error(err, "failed to write response")
	}
}

func (s *Server) handle(ctx context.Context, req *jsonRPCRequest) jsonRPCResponse {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = s.initialize(req.Params)

	case "tools/list":
		resp.Result = s.listTools()

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
			break
		}
		resp.Result = s.callTool(ctx, params)

	case "ping":
		resp.Result = struct{}{}

	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

func (s *Server) initialize(raw json.RawMessage) initializeResult {
	var params initializeParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	clientName := params.ClientInfo.Name
	if clientName == "" {
		clientName = "unknown"
	}

	sess := s.Sessions.Create(clientName)
	s.mu.Lock()
	s.sessionID = sess.ID
	s.mu.Unlock()
	s.Log.Info("session started", "session_id", sess.ID, "client", clientName)

	return initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo{Name: s.Name, Version: s.Version},
		Capabilities:    capabilities{Tools: &struct{}{}},
		Instructions:    instructions,
	}
}

func (s *Server) listTools() toolsListResult {
	registered := s.Registry.List()
	out := toolsListResult{Tools: make([]toolDescriptor, 0, len(registered))}
	for _, t := range registered {
		out.Tools = append(out.Tools, toolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}
	return out
}

// callTool dispatches through the registry and renders the envelope as the
// tool result text. Handler failures are tool-level errors (isError), never
// JSON-RPC errors.
func (s *Server) callTool(ctx context.Context, params toolCallParams) *toolCallResult {
	env := s.Registry.Dispatch(ctx, s.SessionID(), params.Name, params.Arguments)

	text, err := json.Marshal(env)
	if err != nil {
		s.Log.Error(err, "failed to encode envelope", "tool", params.Name)
		return &toolCallResult{
			Content: []content{{Type: "text", Text: `{"success":false,"error":{"kind":"internal","message":"failed to encode response"}}`}},
			IsError: true,
		}
	}
	return &toolCallResult{
		Content: []content{{Type: "text", Text: string(text)}},
		IsError: !env.Success,
	}
}
