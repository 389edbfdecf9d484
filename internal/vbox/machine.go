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
	"strconv"
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/resilience"
)

// ListVMs returns all registered machines. States are not populated here:
// `list vms` only reports name and UUID, and resolving each state costs one
// showvminfo per machine. Callers that need states use GetVMInfo.
func (c *Client) ListVMs(ctx context.Context) ([]VMSummary, error) {
	res, err := c.run(ctx, "list", "vms")
	if err != nil {
		return nil, err
	}
	return parseVMList(res.Stdout), nil
}

// ListRunningVMs returns the machines currently running.
func (c *Client) ListRunningVMs(ctx context.Context) ([]VMSummary, error) {
	res, err := c.run(ctx, "list", "runningvms")
	if err != nil {
		return nil, err
	}
	vms := parseVMList(res.Stdout)
	for i := range vms {
		vms[i].State = StateRunning
	}
	return vms, nil
}

// GetVMInfo returns the full record for one machine. Reads retry on
// VirtualBox session-lock conflicts since another VBoxManage may hold the
// machine lock only momentarily.
func (c *Client) GetVMInfo(ctx context.Context, nameOrID string) (*VMInfo, error) {
	var info *VMInfo
	err := resilience.Retry(ctx, resilience.BusyRetryConfig(), func(ctx context.Context, _ int) error {
		res, err := c.run(ctx, "showvminfo", nameOrID, "--machinereadable")
		if err != nil {
			return err
		}
		info, err = parseVMInfo(res.Stdout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// CreateVM registers a new machine and applies the initial hardware spec,
// then reads it back so the caller gets the generated UUID.
func (c *Client) CreateVM(ctx context.Context, spec CreateSpec) (*VMInfo, error) {
	args := []string{"createvm", "--name", spec.Name, "--register"}
	if spec.OSType != "" {
		args = append(args, "--ostype", spec.OSType)
	}
	if spec.BaseFolder != "" {
		args = append(args, "--basefolder", spec.BaseFolder)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return nil, err
	}

	modify := []string{"modifyvm", spec.Name}
	if spec.MemoryMB > 0 {
		modify = append(modify, "--memory", strconv.Itoa(spec.MemoryMB))
	}
	if spec.CPUs > 0 {
		modify = append(modify, "--cpus", strconv.Itoa(spec.CPUs))
	}
	if spec.Firmware != "" {
		modify = append(modify, "--firmware", spec.Firmware)
	}
	if spec.Chipset != "" {
		modify = append(modify, "--chipset", spec.Chipset)
	}
	if len(modify) > 2 {
		if _, err := c.run(ctx, modify...); err != nil {
			// Leave the half-configured machine registered: deleting it
			// here would hide the underlying failure from the caller.
			return nil, err
		}
	}

	return c.GetVMInfo(ctx, spec.Name)
}

// ModifyVM applies a whitelisted settings patch. The machine must be stopped;
// VirtualBox enforces that itself and we surface its invalid_state error.
func (c *Client) ModifyVM(ctx context.Context, nameOrID string, spec ModifySpec) error {
	if spec.Empty() {
		return nil
	}
	args := []string{"modifyvm", nameOrID}
	if spec.MemoryMB != nil {
		args = append(args, "--memory", strconv.Itoa(*spec.MemoryMB))
	}
	if spec.CPUs != nil {
		args = append(args, "--cpus", strconv.Itoa(*spec.CPUs))
	}
	if spec.Description != nil {
		args = append(args, "--description", *spec.Description)
	}
	if spec.Firmware != nil {
		args = append(args, "--firmware", *spec.Firmware)
	}
	if spec.NestedVirt != nil {
		args = append(args, "--nested-hw-virt", onOff(*spec.NestedVirt))
	}
	if spec.ParavirtProvider != nil {
		args = append(args, "--paravirtprovider", *spec.ParavirtProvider)
	}
	_, err := c.run(ctx, args...)
	return err
}

// DeleteVM unregisters a machine. With deleteFiles the attached disk images
// and the machine folder are removed as well.
func (c *Client) DeleteVM(ctx context.Context, nameOrID string, deleteFiles bool) error {
	args := []string{"unregistervm", nameOrID}
	if deleteFiles {
		args = append(args, "--delete")
	}
	_, err := c.run(ctx, args...)
	return err
}

// CloneVM clones a machine. Linked clones require the snapshot to base the
// clone on. Cloning copies disk images, so this is a long operation.
func (c *Client) CloneVM(ctx context.Context, spec CloneSpec, timeout time.Duration) error {
	args := []string{"clonevm", spec.Source, "--name", spec.NewName, "--register"}
	if spec.Linked {
		if spec.Snapshot == "" {
			return contracts.New(contracts.ErrValidation, "linked clone requires a snapshot name")
		}
		args = append(args, "--snapshot", spec.Snapshot, "--options", "link")
	} else if spec.Snapshot != "" {
		args = append(args, "--snapshot", spec.Snapshot)
	}
	_, err := c.runLong(ctx, timeout, args...)
	return err
}

// StartVM starts a machine. Headless is the server default; gui is for
// operators debugging on a desktop host. Start retries on busy: VirtualBox
// briefly holds the machine lock while a previous session tears down.
func (c *Client) StartVM(ctx context.Context, nameOrID string, gui bool) error {
	frontend := "headless"
	if gui {
		frontend = "gui"
	}
	return resilience.Retry(ctx, resilience.BusyRetryConfig(), func(ctx context.Context, _ int) error {
		_, err := c.run(ctx, "startvm", nameOrID, "--type", frontend)
		return err
	})
}

// StopVM powers a machine off. Graceful sends the ACPI power button and waits
// for the guest to shut down within gracefulWait; if the guest ignores it the
// call fails with timeout and the caller decides whether to force. Escalating
// automatically would turn "please shut down cleanly" into data loss.
func (c *Client) StopVM(ctx context.Context, nameOrID string, graceful bool, gracefulWait time.Duration) error {
	if !graceful {
		_, err := c.run(ctx, "controlvm", nameOrID, "poweroff")
		return err
	}

	if _, err := c.run(ctx, "controlvm", nameOrID, "acpipowerbutton"); err != nil {
		return err
	}
	return c.WaitForState(ctx, nameOrID, gracefulWait, StatePoweredOff, StateAborted)
}

// PauseVM pauses a running machine.
func (c *Client) PauseVM(ctx context.Context, nameOrID string) error {
	_, err := c.run(ctx, "controlvm", nameOrID, "pause")
	return err
}

// ResumeVM resumes a paused machine.
func (c *Client) ResumeVM(ctx context.Context, nameOrID string) error {
	_, err := c.run(ctx, "controlvm", nameOrID, "resume")
	return err
}

// ResetVM hard-resets a running machine.
func (c *Client) ResetVM(ctx context.Context, nameOrID string) error {
	_, err := c.run(ctx, "controlvm", nameOrID, "reset")
	return err
}

// SaveState suspends a running machine to disk. The next start resumes it.
func (c *Client) SaveState(ctx context.Context, nameOrID string) error {
	_, err := c.run(ctx, "controlvm", nameOrID, "savestate")
	return err
}

// DiscardState drops a saved state, leaving the machine powered off.
func (c *Client) DiscardState(ctx context.Context, nameOrID string) error {
	_, err := c.run(ctx, "discardstate", nameOrID)
	return err
}

// WaitForState polls until the machine reaches one of the target states or
// the wait expires.
func (c *Client) WaitForState(ctx context.Context, nameOrID string, wait time.Duration, targets ...VMState) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		info, err := c.GetVMInfo(ctx, nameOrID)
		if err != nil {
			return err
		}
		for _, t := range targets {
			if info.State == t {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return contracts.New(contracts.ErrTimeout, "machine %s did not reach %v within %s (state %s)",
				nameOrID, targets, wait, info.State)
		}
		select {
		case <-ctx.Done():
			return contracts.Wrap(contracts.ErrCancelled, ctx.Err(), "wait for state cancelled")
		case <-ticker.C:
		}
	}
}

// ExportVM exports a machine to an OVA/OVF appliance.
func (c *Client) ExportVM(ctx context.Context, nameOrID, outputPath string, opts ExportOptions, timeout time.Duration) error {
	args := []string{"export", nameOrID, "--output", outputPath}
	if opts.Format != "" {
		args = append(args, "--"+opts.Format)
	}
	if opts.Manifest {
		args = append(args, "--manifest")
	}
	if opts.Description != "" {
		args = append(args, "--description", opts.Description)
	}
	_, err := c.runLong(ctx, timeout, args...)
	return err
}

// ImportVM imports an OVA/OVF appliance.
func (c *Client) ImportVM(ctx context.Context, appliancePath string, opts ImportOptions, timeout time.Duration) error {
	args := []string{"import", appliancePath}
	if opts.VMName != "" {
		args = append(args, "--vsys", "0", "--vmname", opts.VMName)
	}
	_, err := c.runLong(ctx, timeout, args...)
	return err
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
