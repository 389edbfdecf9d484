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
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// Envelope is the canonical tool response. Every tool call returns exactly
// this shape, success or failure, so clients parse one structure.
type Envelope struct {
	Success  bool       `json:"success"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody carries the stable error kind plus human message and details.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Metadata describes the call that produced the envelope.
type Metadata struct {
	Tool          string `json:"tool"`
	Action        string `json:"action,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	JobID         string `json:"job_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// okEnvelope builds a success envelope.
func okEnvelope(data any, meta Metadata) *Envelope {
	return &Envelope{Success: true, Data: data, Metadata: meta}
}

// errEnvelope builds a failure envelope from a categorized error.
func errEnvelope(err error, meta Metadata) *Envelope {
	ce := contracts.AsError(err)
	return &Envelope{
		Success: false,
		Error: &ErrorBody{
			Kind:    string(ce.Kind),
			Message: ce.Message,
			Details: ce.Details,
		},
		Metadata: meta,
	}
}

func durationMS(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}
