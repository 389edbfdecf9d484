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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// Decode strictly unmarshals tool arguments into dst. Unknown fields are
// rejected: a typo'd argument silently ignored is worse than an error.
func Decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return contracts.Wrap(contracts.ErrValidation, err, "invalid arguments: %s", validationHint(err))
	}
	// Trailing garbage after the JSON object is also a malformed request.
	if dec.More() {
		return contracts.New(contracts.ErrValidation, "invalid arguments: trailing data after JSON object")
	}
	return nil
}

// validationHint turns encoding/json errors into something a client can act
// on without reading Go error strings verbatim.
func validationHint(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "unknown field") {
		return msg
	}
	var typeErr *json.UnmarshalTypeError
	if ok := asJSONTypeError(err, &typeErr); ok {
		return fmt.Sprintf("field %q expects %s", typeErr.Field, typeErr.Type)
	}
	return msg
}

func asJSONTypeError(err error, target **json.UnmarshalTypeError) bool {
	te, ok := err.(*json.UnmarshalTypeError)
	if ok {
		*target = te
	}
	return ok
}

// actionProbe extracts only the action discriminator.
type actionProbe struct {
	Action string `json:"action"`
}

// PeekAction reads the action field without strict decoding, so the
// dispatcher can route before the handler validates the full shape.
func PeekAction(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", contracts.New(contracts.ErrValidation, "missing arguments: action is required")
	}
	var probe actionProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", contracts.Wrap(contracts.ErrValidation, err, "arguments are not a JSON object")
	}
	if probe.Action == "" {
		return "", contracts.New(contracts.ErrValidation, "action is required")
	}
	return probe.Action, nil
}

// RequireString validates a mandatory string argument.
func RequireString(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return contracts.New(contracts.ErrValidation, "%s is required", field).WithDetail("field", field)
	}
	return nil
}

// RequireRange validates a bounded integer argument.
func RequireRange(field string, value, min, max int) error {
	if value < min || value > max {
		return contracts.New(contracts.ErrValidation, "%s must be between %d and %d, got %d", field, min, max, value).
			WithDetail("field", field)
	}
	return nil
}

// RequireOneOf validates an enum argument.
func RequireOneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return contracts.New(contracts.ErrValidation, "%s must be one of %s, got %q", field, strings.Join(allowed, "/"), value).
		WithDetail("field", field)
}
