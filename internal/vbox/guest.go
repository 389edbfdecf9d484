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
	"context"
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// GuestExec runs a command inside a guest via guest additions. The guest's
// exit code is carried in the result, not the error: a non-zero guest exit is
// a successful adapter operation.
func (c *Client) GuestExec(ctx context.Context, nameOrID string, creds GuestCredentials, exe string, args []string, timeout time.Duration) (*GuestExecResult, error) {
	if creds.Username == "" {
		return nil, contracts.New(contracts.ErrValidation, "guest execution requires a username")
	}

	cmdArgs := []string{"guestcontrol", nameOrID, "run",
		"--username", creds.Username,
		"--password", creds.Password,
		"--exe", exe,
		"--wait-stdout", "--wait-stderr",
	}
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, exe) // argv[0]
		cmdArgs = append(cmdArgs, args...)
	}

	res, err := c.Run(ctx, cmdArgs, RunOptions{Timeout: timeout})
	if err != nil {
		// VBoxManage propagates the guest command's exit code. Only errors
		// from VBoxManage itself (auth failure, no guest additions, VM not
		// running) keep their classification.
		if res != nil && res.ExitCode > 0 && contracts.IsKind(err, contracts.ErrHostError) {
			return &GuestExecResult{
				ExitCode: res.ExitCode,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
				Duration: res.Duration,
			}, nil
		}
		return nil, err
	}

	return &GuestExecResult{
		ExitCode: 0,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	}, nil
}

// GuestCopyTo copies a host file into the guest.
func (c *Client) GuestCopyTo(ctx context.Context, nameOrID string, creds GuestCredentials, hostPath, guestPath string, timeout time.Duration) error {
	if creds.Username == "" {
		return contracts.New(contracts.ErrValidation, "guest copy requires a username")
	}
	_, err := c.Run(ctx, []string{"guestcontrol", nameOrID, "copyto",
		"--username", creds.Username,
		"--password", creds.Password,
		"--target-directory", guestPath,
		hostPath,
	}, RunOptions{Timeout: timeout})
	return err
}

// GuestCopyFrom copies a guest file out to the host.
func (c *Client) GuestCopyFrom(ctx context.Context, nameOrID string, creds GuestCredentials, guestPath, hostPath string, timeout time.Duration) error {
	if creds.Username == "" {
		return contracts.New(contracts.ErrValidation, "guest copy requires a username")
	}
	_, err := c.Run(ctx, []string{"guestcontrol", nameOrID, "copyfrom",
		"--username", creds.Username,
		"--password", creds.Password,
		"--target-directory", hostPath,
		guestPath,
	}, RunOptions{Timeout: timeout})
	return err
}
