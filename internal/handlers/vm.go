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
	"fmt"
	"path/filepath"
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
)

const startTimeout = 5 * time.Minute

var vmActions = []string{
	"list", "info", "create", "start", "stop", "delete", "clone",
	"reset", "pause", "resume", "modify", "save_state",
	"export", "import", "execute",
}

const vmSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["list", "info", "create", "start", "stop", "delete", "clone", "reset", "pause", "resume", "modify", "save_state", "export", "import", "execute"]},
    "vm_name": {"type": "string"},
    "os_type": {"type": "string"},
    "memory_mb": {"type": "integer"},
    "cpus": {"type": "integer"},
    "disk_size_gb": {"type": "integer"},
    "firmware": {"type": "string", "enum": ["bios", "efi"]},
    "chipset": {"type": "string"},
    "headless": {"type": "boolean"},
    "gui": {"type": "boolean"},
    "force": {"type": "boolean"},
    "delete_files": {"type": "boolean"},
    "source_vm": {"type": "string"},
    "new_name": {"type": "string"},
    "mode": {"type": "string", "enum": ["full", "linked"]},
    "snapshot_name": {"type": "string"},
    "patch": {"type": "object"},
    "output_path": {"type": "string"},
    "appliance_path": {"type": "string"},
    "username": {"type": "string"},
    "password": {"type": "string"},
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "timeout_seconds": {"type": "integer"}
  }
}`

func (rt *Runtime) vmTool() *tools.Tool {
	return &tools.Tool{
		Name:        "vm_management",
		Description: "Create, inspect, and control VirtualBox virtual machines: lifecycle, cloning, appliance import/export, and guest command execution.",
		Actions:     vmActions,
		Schema:      json.RawMessage(vmSchema),
		Handler:     rt.handleVM,
	}
}

func (rt *Runtime) handleVM(ctx context.Context, action string, args json.RawMessage) (*tools.Result, error) {
	res, err := rt.dispatchVM(ctx, action, args)
	if err == nil {
		rt.recordWorkflow(ctx, action, args)
	}
	return res, err
}

// recordWorkflow keeps a short per-session history of successful VM actions
// so follow-up calls in the same session can see what the client just did.
func (rt *Runtime) recordWorkflow(ctx context.Context, action string, args json.RawMessage) {
	sid := sessionID(ctx)
	if sid == "" {
		return
	}
	entry := map[string]any{"action": action, "at": time.Now().UTC().Format(time.RFC3339)}
	var named struct {
		VMName string `json:"vm_name"`
	}
	if json.Unmarshal(args, &named) == nil && named.VMName != "" {
		entry["vm_name"] = named.VMName
	}

	var history []any
	if sess, err := rt.Sessions.Get(sid); err == nil {
		if prev, ok := sess.Data["vm_workflow.history"].([]any); ok {
			history = prev
		}
	}
	history = append(history, entry)
	if len(history) > 20 {
		history = history[len(history)-20:]
	}
	rt.Sessions.SetData(sid, "vm_workflow.history", history)
}

func (rt *Runtime) dispatchVM(ctx context.Context, action string, args json.RawMessage) (*tools.Result, error) {
	switch action {
	case "list":
		return rt.vmList(ctx, args)
	case "info":
		return rt.vmInfo(ctx, args)
	case "create":
		return rt.vmCreate(ctx, args)
	case "start":
		return rt.vmStart(ctx, args)
	case "stop":
		return rt.vmStop(ctx, args)
	case "delete":
		return rt.vmDelete(ctx, args)
	case "clone":
		return rt.vmClone(ctx, args)
	case "reset":
		return rt.vmControl(ctx, args, "reset", vbox.StateRunning)
	case "pause":
		return rt.vmControl(ctx, args, "pause", vbox.StateRunning)
	case "resume":
		return rt.vmControl(ctx, args, "resume", vbox.StatePaused)
	case "save_state":
		return rt.vmControl(ctx, args, "save_state", vbox.StateRunning, vbox.StatePaused)
	case "modify":
		return rt.vmModify(ctx, args)
	case "export":
		return rt.vmExport(ctx, args)
	case "import":
		return rt.vmImport(ctx, args)
	case "execute":
		return rt.vmExecute(ctx, args)
	default:
		return nil, contracts.New(contracts.ErrInternal, "unrouted action %s", action)
	}
}

type vmNameArgs struct {
	Action string `json:"action"`
	VMName string `json:"vm_name"`
}

func decodeVMName(args json.RawMessage) (string, error) {
	var a vmNameArgs
	if err := tools.Decode(args, &a); err != nil {
		return "", err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return "", err
	}
	return a.VMName, nil
}

func (rt *Runtime) vmList(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a struct {
		Action string `json:"action"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}

	vms, err := rt.VBox.ListVMs(ctx)
	if err != nil {
		return nil, err
	}

	// Enrich each entry with its full summary. The list is a point-in-time
	// snapshot, not transactional: a VM deleted mid-listing is skipped, an
	// inaccessible one is reported with state unknown.
	out := make([]vbox.VMSummary, 0, len(vms))
	for _, vm := range vms {
		info, err := rt.VBox.GetVMInfo(ctx, vm.ID)
		if err != nil {
			if contracts.IsKind(err, contracts.ErrNotFound) {
				continue
			}
			out = append(out, vm)
			continue
		}
		out = append(out, info.VMSummary)
	}
	return &tools.Result{Data: map[string]any{"vms": out, "count": len(out)}}, nil
}

func (rt *Runtime) vmInfo(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	vm, err := decodeVMName(args)
	if err != nil {
		return nil, err
	}

	lease, err := rt.lockRead(ctx, vm)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, err := rt.VBox.GetVMInfo(ctx, vm)
	if err != nil {
		return nil, withVM(err, vm)
	}
	return &tools.Result{Data: info}, nil
}

type vmCreateArgs struct {
	Action     string `json:"action"`
	VMName     string `json:"vm_name"`
	OSType     string `json:"os_type"`
	MemoryMB   int    `json:"memory_mb"`
	CPUs       int    `json:"cpus"`
	DiskSizeGB int    `json:"disk_size_gb"`
	Firmware   string `json:"firmware"`
	Chipset    string `json:"chipset"`
}

func (rt *Runtime) vmCreate(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmCreateArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireRange("memory_mb", a.MemoryMB, 4, 1048576); err != nil {
		return nil, err
	}
	if err := tools.RequireRange("cpus", a.CPUs, 1, 64); err != nil {
		return nil, err
	}
	if a.DiskSizeGB != 0 {
		if err := tools.RequireRange("disk_size_gb", a.DiskSizeGB, 1, 65536); err != nil {
			return nil, err
		}
	}
	if a.Firmware != "" {
		if err := tools.RequireOneOf("firmware", a.Firmware, "bios", "efi"); err != nil {
			return nil, err
		}
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, err := rt.VBox.CreateVM(ctx, vbox.CreateSpec{
		Name:     a.VMName,
		OSType:   a.OSType,
		MemoryMB: a.MemoryMB,
		CPUs:     a.CPUs,
		Firmware: a.Firmware,
		Chipset:  a.Chipset,
	})
	if err != nil {
		return nil, withVM(err, a.VMName)
	}

	if a.DiskSizeGB > 0 {
		if err := rt.provisionBootDisk(ctx, info, a.DiskSizeGB); err != nil {
			return nil, withVM(err, a.VMName)
		}
		info, err = rt.VBox.GetVMInfo(ctx, a.VMName)
		if err != nil {
			return nil, withVM(err, a.VMName)
		}
	}

	return &tools.Result{Data: info}, nil
}

// provisionBootDisk gives a fresh VM a SATA controller with one disk, placed
// next to the machine settings file.
func (rt *Runtime) provisionBootDisk(ctx context.Context, info *vbox.VMInfo, sizeGB int) error {
	if err := rt.VBox.AddController(ctx, info.Name, vbox.ControllerSpec{
		Name:      "SATA",
		Type:      "sata",
		PortCount: 2,
		Bootable:  true,
	}); err != nil {
		return err
	}

	diskPath := filepath.Join(filepath.Dir(info.CfgFile), info.Name+".vdi")
	medium, err := rt.VBox.CreateMedium(ctx, vbox.MediumSpec{
		Path:   diskPath,
		SizeMB: int64(sizeGB) * 1024,
		Format: "vdi",
	})
	if err != nil {
		return err
	}

	return rt.VBox.AttachMedium(ctx, info.Name, vbox.AttachSpec{
		Controller: "SATA",
		Port:       0,
		Device:     0,
		MediumPath: medium.Path,
		MediumType: "hdd",
	})
}

type vmStartArgs struct {
	Action   string `json:"action"`
	VMName   string `json:"vm_name"`
	Headless *bool  `json:"headless"`
	GUI      bool   `json:"gui"`
}

func (rt *Runtime) vmStart(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmStartArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if a.GUI && a.Headless != nil && *a.Headless {
		return nil, contracts.New(contracts.ErrValidation, "headless and gui are mutually exclusive")
	}

	// Fail fast on an obviously wrong state before queueing the job.
	if _, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateSaved, vbox.StateAborted); err != nil {
		return nil, err
	}

	vm := a.VMName
	gui := a.GUI
	jobID, err := rt.Jobs.Submit("vm.start", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		lease, err := rt.lockWrite(jctx, vm)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		progress(10, "starting VM")
		if err := rt.VBox.StartVM(jctx, vm, gui); err != nil {
			return nil, markAmbiguous(withVM(err, vm))
		}
		progress(60, "waiting for running state")
		if err := rt.VBox.WaitForState(jctx, vm, startTimeout, vbox.StateRunning); err != nil {
			return nil, markAmbiguous(withVM(err, vm))
		}
		return map[string]any{"vm_name": vm, "state": string(vbox.StateRunning)}, nil
	})
	if err != nil {
		return nil, err
	}

	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}

type vmStopArgs struct {
	Action string `json:"action"`
	VMName string `json:"vm_name"`
	Force  bool   `json:"force"`
}

func (rt *Runtime) vmStop(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmStopArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if _, err := rt.requireState(ctx, a.VMName, vbox.StateRunning, vbox.StatePaused, vbox.StateStuck); err != nil {
		return nil, err
	}

	err = rt.VBox.StopVM(ctx, a.VMName, !a.Force, rt.cfg().GracefulStopTimeout())
	if err != nil {
		// Guest commands that never complete leave poisoned channels behind.
		rt.Pool.Invalidate(a.VMName)
		return nil, markAmbiguous(withVM(err, a.VMName))
	}

	rt.Pool.Invalidate(a.VMName)
	return &tools.Result{Data: map[string]any{
		"vm_name": a.VMName,
		"state":   string(vbox.StatePoweredOff),
		"forced":  a.Force,
	}}, nil
}

type vmDeleteArgs struct {
	Action      string `json:"action"`
	VMName      string `json:"vm_name"`
	DeleteFiles *bool  `json:"delete_files"`
}

func (rt *Runtime) vmDelete(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmDeleteArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	deleteFiles := a.DeleteFiles == nil || *a.DeleteFiles

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if _, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateAborted); err != nil {
		return nil, err
	}

	if err := rt.VBox.DeleteVM(ctx, a.VMName, deleteFiles); err != nil {
		return nil, withVM(err, a.VMName)
	}

	rt.Pool.Invalidate(a.VMName)
	return &tools.Result{Data: map[string]any{
		"vm_name":       a.VMName,
		"deleted_files": deleteFiles,
	}}, nil
}

type vmCloneArgs struct {
	Action       string `json:"action"`
	SourceVM     string `json:"source_vm"`
	NewName      string `json:"new_name"`
	Mode         string `json:"mode"`
	SnapshotName string `json:"snapshot_name"`
}

func (rt *Runtime) vmClone(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmCloneArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("source_vm", a.SourceVM); err != nil {
		return nil, err
	}
	if err := tools.RequireString("new_name", a.NewName); err != nil {
		return nil, err
	}
	if a.Mode == "" {
		a.Mode = "full"
	}
	if err := tools.RequireOneOf("mode", a.Mode, "full", "linked"); err != nil {
		return nil, err
	}

	a2 := a
	jobID, err := rt.Jobs.Submit("vm.clone", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		// Clone touches both machines; sorted multi-acquire avoids
		// deadlocking against a concurrent reverse clone.
		leases, err := rt.Locks.AcquireMany(jctx, []string{a2.SourceVM, a2.NewName}, false, rt.cfg().OperationTimeout())
		if err != nil {
			return nil, err
		}
		defer func() {
			for _, l := range leases {
				l.Release()
			}
		}()

		snapshot := a2.SnapshotName
		autoSnapshot := false
		if a2.Mode == "linked" && snapshot == "" {
			// Linked clones need a base snapshot; take one when the
			// caller did not name it, and say so in the result.
			snapshot = fmt.Sprintf("clone-base-%d", time.Now().Unix())
			autoSnapshot = true
			progress(10, "taking base snapshot "+snapshot)
			if err := rt.VBox.TakeSnapshot(jctx, a2.SourceVM, snapshot, "auto-created for linked clone"); err != nil {
				return nil, markAmbiguous(withVM(err, a2.SourceVM))
			}
		}

		progress(30, "cloning")
		err = rt.VBox.CloneVM(jctx, vbox.CloneSpec{
			Source:   a2.SourceVM,
			NewName:  a2.NewName,
			Linked:   a2.Mode == "linked",
			Snapshot: snapshot,
		}, rt.cfg().LongOperationTimeout())
		if err != nil {
			return nil, markAmbiguous(withVM(err, a2.SourceVM))
		}

		result := map[string]any{"source_vm": a2.SourceVM, "new_name": a2.NewName, "mode": a2.Mode}
		if autoSnapshot {
			result["auto_snapshot"] = snapshot
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}

	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}

// vmControl covers reset / pause / resume / save_state: same shape, one
// adapter verb, one required state set.
func (rt *Runtime) vmControl(ctx context.Context, args json.RawMessage, action string, allowed ...vbox.VMState) (*tools.Result, error) {
	vm, err := decodeVMName(args)
	if err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, vm)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if _, err := rt.requireState(ctx, vm, allowed...); err != nil {
		return nil, err
	}

	switch action {
	case "reset":
		err = rt.VBox.ResetVM(ctx, vm)
	case "pause":
		err = rt.VBox.PauseVM(ctx, vm)
	case "resume":
		err = rt.VBox.ResumeVM(ctx, vm)
	case "save_state":
		err = rt.VBox.SaveState(ctx, vm)
	}
	if err != nil {
		return nil, markAmbiguous(withVM(err, vm))
	}

	if action == "save_state" || action == "reset" {
		rt.Pool.Invalidate(vm)
	}
	return &tools.Result{Data: map[string]any{"vm_name": vm, "action": action}}, nil
}

type vmModifyArgs struct {
	Action string `json:"action"`
	VMName string `json:"vm_name"`
	Patch  struct {
		MemoryMB         *int    `json:"memory_mb"`
		CPUs             *int    `json:"cpus"`
		Description      *string `json:"description"`
		Firmware         *string `json:"firmware"`
		NestedVirt       *bool   `json:"nested_virt"`
		ParavirtProvider *string `json:"paravirt_provider"`
	} `json:"patch"`
}

func (rt *Runtime) vmModify(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmModifyArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if a.Patch.MemoryMB != nil {
		if err := tools.RequireRange("patch.memory_mb", *a.Patch.MemoryMB, 4, 1048576); err != nil {
			return nil, err
		}
	}
	if a.Patch.CPUs != nil {
		if err := tools.RequireRange("patch.cpus", *a.Patch.CPUs, 1, 64); err != nil {
			return nil, err
		}
	}
	if a.Patch.Firmware != nil {
		if err := tools.RequireOneOf("patch.firmware", *a.Patch.Firmware, "bios", "efi"); err != nil {
			return nil, err
		}
	}

	spec := vbox.ModifySpec{
		MemoryMB:         a.Patch.MemoryMB,
		CPUs:             a.Patch.CPUs,
		Description:      a.Patch.Description,
		Firmware:         a.Patch.Firmware,
		NestedVirt:       a.Patch.NestedVirt,
		ParavirtProvider: a.Patch.ParavirtProvider,
	}
	if spec.Empty() {
		return nil, contracts.New(contracts.ErrValidation, "patch contains no recognized fields")
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	// VirtualBox cannot change these attributes on a live machine.
	if _, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateAborted); err != nil {
		return nil, err
	}

	if err := rt.VBox.ModifyVM(ctx, a.VMName, spec); err != nil {
		return nil, withVM(err, a.VMName)
	}

	info, err := rt.VBox.GetVMInfo(ctx, a.VMName)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: info}, nil
}

type vmExportArgs struct {
	Action     string `json:"action"`
	VMName     string `json:"vm_name"`
	OutputPath string `json:"output_path"`
}

func (rt *Runtime) vmExport(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmExportArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("output_path", a.OutputPath); err != nil {
		return nil, err
	}

	a2 := a
	jobID, err := rt.Jobs.Submit("vm.export", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		lease, err := rt.lockRead(jctx, a2.VMName)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		progress(10, "exporting appliance")
		if err := rt.VBox.ExportVM(jctx, a2.VMName, a2.OutputPath, vbox.ExportOptions{Manifest: true}, rt.cfg().LongOperationTimeout()); err != nil {
			return nil, markAmbiguous(withVM(err, a2.VMName))
		}
		return map[string]any{"vm_name": a2.VMName, "output_path": a2.OutputPath}, nil
	})
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}

type vmImportArgs struct {
	Action        string `json:"action"`
	AppliancePath string `json:"appliance_path"`
	VMName        string `json:"vm_name"`
}

func (rt *Runtime) vmImport(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmImportArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("appliance_path", a.AppliancePath); err != nil {
		return nil, err
	}

	a2 := a
	jobID, err := rt.Jobs.Submit("vm.import", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		progress(10, "importing appliance")
		if err := rt.VBox.ImportVM(jctx, a2.AppliancePath, vbox.ImportOptions{VMName: a2.VMName}, rt.cfg().LongOperationTimeout()); err != nil {
			return nil, markAmbiguous(err)
		}
		return map[string]any{"appliance_path": a2.AppliancePath, "vm_name": a2.VMName}, nil
	})
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}

type vmExecuteArgs struct {
	Action         string   `json:"action"`
	VMName         string   `json:"vm_name"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

func (rt *Runtime) vmExecute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a vmExecuteArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("username", a.Username); err != nil {
		return nil, err
	}
	if err := tools.RequireString("command", a.Command); err != nil {
		return nil, err
	}

	timeout := rt.cfg().OperationTimeout()
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}

	lease, err := rt.lockRead(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if _, err := rt.requireState(ctx, a.VMName, vbox.StateRunning); err != nil {
		return nil, err
	}

	creds := vbox.GuestCredentials{Username: a.Username, Password: a.Password}
	ch, err := rt.Pool.Acquire(ctx, a.VMName, creds)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}

	res, execErr := rt.VBox.GuestExec(ctx, a.VMName, ch.Creds, a.Command, a.Args, timeout)
	rt.Pool.Release(ch, execErr)
	if execErr != nil {
		return nil, withVM(execErr, a.VMName)
	}

	return &tools.Result{Data: map[string]any{
		"vm_name":   a.VMName,
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
	}}, nil
}
