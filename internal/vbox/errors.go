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

package vbox

import (
	"strings"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// classifier maps a VBoxManage stderr pattern to an error kind. The table is
// ordered most-specific-first; the first match wins.
type classifier struct {
	substr string
	kind   contracts.ErrorKind
}

// VBoxManage does not use exit codes to distinguish failure causes, so the
// stderr text is the only classification signal. Patterns cover both the
// human-readable messages and the VBOX_E_* / VERR_* codes VBoxManage prints.
var classifiers = []classifier{
	// Session lock conflicts come first: their messages also contain words
	// like "machine" that later patterns would misread.
	{"is already locked by a session", contracts.ErrBusy},
	{"is already locked for a session", contracts.ErrBusy},
	{"The object is not ready", contracts.ErrBusy},
	{"E_ACCESSDENIED", contracts.ErrBusy},

	{"Could not find a registered machine", contracts.ErrNotFound},
	{"Could not find a snapshot", contracts.ErrNotFound},
	{"Could not find file", contracts.ErrNotFound},
	{"Could not find an open hard disk", contracts.ErrNotFound},
	{"VBOX_E_OBJECT_NOT_FOUND", contracts.ErrNotFound},
	{"does not exist", contracts.ErrNotFound},
	{"VERR_FILE_NOT_FOUND", contracts.ErrNotFound},
	{"VERR_PATH_NOT_FOUND", contracts.ErrNotFound},

	{"already exists", contracts.ErrAlreadyExists},
	{"Duplicate rule name", contracts.ErrAlreadyExists},
	{"VERR_ALREADY_EXISTS", contracts.ErrAlreadyExists},
	{"VBOX_E_FILE_ERROR: Machine settings file", contracts.ErrAlreadyExists},

	{"VBOX_E_INVALID_VM_STATE", contracts.ErrInvalidState},
	{"VBOX_E_INVALID_OBJECT_STATE", contracts.ErrInvalidState},
	{"Invalid machine state", contracts.ErrInvalidState},
	{"is not currently running", contracts.ErrInvalidState},
	{"Machine in invalid state", contracts.ErrInvalidState},
	{"is already running", contracts.ErrInvalidState},

	{"VERR_ACCESS_DENIED", contracts.ErrPermissionDenied},
	{"Permission denied", contracts.ErrPermissionDenied},
	{"Operation not permitted", contracts.ErrPermissionDenied},

	{"VERR_TIMEOUT", contracts.ErrTimeout},

	{"The specified user was not able to logon on guest", contracts.ErrPermissionDenied},
	{"VERR_AUTHENTICATION_FAILURE", contracts.ErrPermissionDenied},

	{"VERR_NO_MEMORY", contracts.ErrHostError},
	{"VERR_DISK_FULL", contracts.ErrHostError},
	{"Not enough storage", contracts.ErrHostError},
}

// classifyStderr classifies a failed VBoxManage run. verb and exit code are
// attached as structured details so handlers and the envelope can surface them
// without re-parsing the message.
func classifyStderr(verb string, exitCode int, stderr string) *contracts.Error {
	kind := contracts.ErrHostError
	for _, c := range classifiers {
		if strings.Contains(stderr, c.substr) {
			kind = c.kind
			break
		}
	}

	err := contracts.New(kind, "VBoxManage %s failed: %s", verb, firstErrorLine(stderr))
	err.WithDetail("verb", verb)
	err.WithDetail("exit_code", exitCode)
	if excerpt := excerpt(stderr, 512); excerpt != "" {
		err.WithDetail("stderr", excerpt)
	}
	return err
}

// firstErrorLine picks the most useful single line out of VBoxManage's noisy
// multi-line stderr. VBoxManage prefixes its real messages with "VBoxManage:
// error:"; progress spinners and usage dumps come without it.
func firstErrorLine(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if msg, ok := strings.CutPrefix(line, "VBoxManage: error:"); ok {
			return strings.TrimSpace(msg)
		}
	}
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "no error output"
}

// excerpt bounds raw output carried in error details.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// IsBusy reports whether the error is a VirtualBox session-lock conflict.
func IsBusy(err error) bool {
	return contracts.IsKind(err, contracts.ErrBusy)
}

// IsNotFound reports whether the error is a missing machine/snapshot/medium.
func IsNotFound(err error) bool {
	return contracts.IsKind(err, contracts.ErrNotFound)
}
