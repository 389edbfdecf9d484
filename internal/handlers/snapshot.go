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

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
)

var snapshotActions = []string{"list", "create", "restore", "delete"}

const snapshotSchema = `{
  "type": "object",
  "required": ["action", "vm_name"],
  "properties": {
    "action": {"type": "string", "enum": ["list", "create", "restore", "delete"]},
    "vm_name": {"type": "string"},
    "snapshot_name": {"type": "string"},
    "description": {"type": "string"},
    "include_ram": {"type": "boolean"}
  }
}`

func (rt *Runtime) snapshotTool() *tools.Tool {
	return &tools.Tool{
		Name:        "snapshot_management",
		Description: "List, take, restore, and delete VM snapshots.",
		Actions:     snapshotActions,
		Schema:      json.RawMessage(snapshotSchema),
		Handler:     rt.handleSnapshot,
	}
}

type snapshotArgs struct {
	Action       string `json:"action"`
	VMName       string `json:"vm_name"`
	SnapshotName string `json:"snapshot_name"`
	Description  string `json:"description"`
	IncludeRAM   *bool  `json:"include_ram"`
}

func (rt *Runtime) handleSnapshot(ctx context.Context, action string, args json.RawMessage) (*tools.Result, error) {
	var a snapshotArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}

	switch action {
	case "list":
		return rt.snapList(ctx, a)
	case "create":
		return rt.snapCreate(ctx, a)
	case "restore":
		return rt.snapRestore(ctx, a)
	case "delete":
		return rt.snapDelete(ctx, a)
	default:
		return nil, contracts.New(contracts.ErrInternal, "unrouted action %s", action)
	}
}

func (rt *Runtime) snapList(ctx context.Context, a snapshotArgs) (*tools.Result, error) {
	lease, err := rt.lockRead(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	tree, err := rt.VBox.GetSnapshotTree(ctx, a.VMName)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: tree}, nil
}

func (rt *Runtime) snapCreate(ctx context.Context, a snapshotArgs) (*tools.Result, error) {
	if err := tools.RequireString("snapshot_name", a.SnapshotName); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	// Online snapshots always capture the machine's memory; a disk-only
	// snapshot of a running VM is not something VirtualBox can take.
	if a.IncludeRAM != nil && !*a.IncludeRAM {
		info, err := rt.VBox.GetVMInfo(ctx, a.VMName)
		if err != nil {
			return nil, withVM(err, a.VMName)
		}
		if info.State == vbox.StateRunning || info.State == vbox.StatePaused {
			return nil, contracts.New(contracts.ErrValidation,
				"include_ram=false requires a stopped VM; online snapshots always capture memory").
				WithDetail("vm", a.VMName).
				WithDetail("state", string(info.State))
		}
	}

	tree, err := rt.VBox.GetSnapshotTree(ctx, a.VMName)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}
	if tree.FindByName(a.SnapshotName) != nil {
		return nil, contracts.New(contracts.ErrAlreadyExists,
			"snapshot %s already exists on VM %s", a.SnapshotName, a.VMName).
			WithDetail("vm", a.VMName)
	}

	if err := rt.VBox.TakeSnapshot(ctx, a.VMName, a.SnapshotName, a.Description); err != nil {
		return nil, markAmbiguous(withVM(err, a.VMName))
	}

	updated, err := rt.VBox.GetSnapshotTree(ctx, a.VMName)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":  a.VMName,
		"snapshot": updated.FindByName(a.SnapshotName),
	}}, nil
}

func (rt *Runtime) snapRestore(ctx context.Context, a snapshotArgs) (*tools.Result, error) {
	if err := tools.RequireString("snapshot_name", a.SnapshotName); err != nil {
		return nil, err
	}

	a2 := a
	jobID, err := rt.Jobs.Submit("snapshot.restore", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		lease, err := rt.lockWrite(jctx, a2.VMName)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		// Restoring requires a stopped machine.
		info, err := rt.VBox.GetVMInfo(jctx, a2.VMName)
		if err != nil {
			return nil, withVM(err, a2.VMName)
		}
		if !info.State.Stopped() {
			return nil, contracts.New(contracts.ErrInvalidState,
				"VM %s is %s; snapshot restore requires a stopped machine", a2.VMName, info.State).
				WithDetail("vm", a2.VMName).
				WithDetail("state", string(info.State))
		}

		tree, err := rt.VBox.GetSnapshotTree(jctx, a2.VMName)
		if err != nil {
			return nil, withVM(err, a2.VMName)
		}
		if tree.FindByName(a2.SnapshotName) == nil {
			return nil, contracts.New(contracts.ErrNotFound,
				"snapshot %s not found on VM %s", a2.SnapshotName, a2.VMName).
				WithDetail("vm", a2.VMName)
		}

		progress(30, "restoring snapshot")
		if err := rt.VBox.RestoreSnapshot(jctx, a2.VMName, a2.SnapshotName); err != nil {
			return nil, markAmbiguous(withVM(err, a2.VMName))
		}
		rt.Pool.Invalidate(a2.VMName)
		return map[string]any{"vm_name": a2.VMName, "snapshot_name": a2.SnapshotName}, nil
	})
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}

func (rt *Runtime) snapDelete(ctx context.Context, a snapshotArgs) (*tools.Result, error) {
	if err := tools.RequireString("snapshot_name", a.SnapshotName); err != nil {
		return nil, err
	}

	a2 := a
	jobID, err := rt.Jobs.Submit("snapshot.delete", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		lease, err := rt.lockWrite(jctx, a2.VMName)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		tree, err := rt.VBox.GetSnapshotTree(jctx, a2.VMName)
		if err != nil {
			return nil, withVM(err, a2.VMName)
		}
		if tree.FindByName(a2.SnapshotName) == nil {
			return nil, contracts.New(contracts.ErrNotFound,
				"snapshot %s not found on VM %s", a2.SnapshotName, a2.VMName).
				WithDetail("vm", a2.VMName)
		}

		// Merging child diffs into the base can take a while on big disks.
		progress(30, "deleting snapshot")
		if err := rt.VBox.DeleteSnapshot(jctx, a2.VMName, a2.SnapshotName, rt.cfg().LongOperationTimeout()); err != nil {
			return nil, markAmbiguous(withVM(err, a2.VMName))
		}
		return map[string]any{"vm_name": a2.VMName, "snapshot_name": a2.SnapshotName, "deleted": true}, nil
	})
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}
