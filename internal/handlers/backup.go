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

	"github.com/projectbeskar/virtualization-mcp/internal/backup"
	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
)

var backupActions = []string{"create", "list", "restore", "delete"}

const backupSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["create", "list", "restore", "delete"]},
    "vm_name": {"type": "string"},
    "backup_id": {"type": "string"},
    "description": {"type": "string"},
    "new_name": {"type": "string"}
  }
}`

func (rt *Runtime) backupTool() *tools.Tool {
	return &tools.Tool{
		Name:        "backup_management",
		Description: "Export VMs to an appliance archive in the backup store, list stored backups, and restore or delete them.",
		Actions:     backupActions,
		Schema:      json.RawMessage(backupSchema),
		Handler:     rt.handleBackup,
	}
}

type backupArgs struct {
	Action      string `json:"action"`
	VMName      string `json:"vm_name"`
	BackupID    string `json:"backup_id"`
	Description string `json:"description"`
	NewName     string `json:"new_name"`
}

func (rt *Runtime) handleBackup(ctx context.Context, action string, args json.RawMessage) (*tools.Result, error) {
	var a backupArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}

	switch action {
	case "create":
		return rt.bakCreate(ctx, a)
	case "list":
		return rt.bakList(ctx, a)
	case "restore":
		return rt.bakRestore(ctx, a)
	case "delete":
		return rt.bakDelete(ctx, a)
	default:
		return nil, contracts.New(contracts.ErrInternal, "unrouted action %s", action)
	}
}

func (rt *Runtime) bakCreate(ctx context.Context, a backupArgs) (*tools.Result, error) {
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}

	a2 := a
	jobID, err := rt.Jobs.Submit("backup.create", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		lease, err := rt.lockRead(jctx, a2.VMName)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		if _, err := rt.VBox.GetVMInfo(jctx, a2.VMName); err != nil {
			return nil, withVM(err, a2.VMName)
		}

		info, err := rt.Backups.Prepare(a2.VMName, a2.Description)
		if err != nil {
			return nil, err
		}
		if v, err := rt.VBox.GetVersion(jctx); err == nil {
			info.VBoxVersion = v.Version
		}

		progress(20, "exporting appliance")
		err = rt.VBox.ExportVM(jctx, a2.VMName, info.AppliancePath,
			vbox.ExportOptions{Manifest: true, Description: a2.Description},
			rt.cfg().LongOperationTimeout())
		if err != nil {
			rt.Backups.Abort(info)
			return nil, markAmbiguous(withVM(err, a2.VMName))
		}

		progress(90, "publishing backup")
		if err := rt.Backups.Commit(info); err != nil {
			rt.Backups.Abort(info)
			return nil, err
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}

func (rt *Runtime) bakList(_ context.Context, a backupArgs) (*tools.Result, error) {
	var (
		infos []*backup.Info
		err   error
	)
	if a.VMName != "" {
		infos, err = rt.Backups.ListForVM(a.VMName)
	} else {
		infos, err = rt.Backups.List()
	}
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: map[string]any{"backups": infos, "count": len(infos)}}, nil
}

func (rt *Runtime) bakRestore(ctx context.Context, a backupArgs) (*tools.Result, error) {
	if err := tools.RequireString("backup_id", a.BackupID); err != nil {
		return nil, err
	}

	info, err := rt.Backups.Get(a.BackupID)
	if err != nil {
		return nil, err
	}

	a2 := a
	appliance := info.AppliancePath
	jobID, err := rt.Jobs.Submit("backup.restore", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		progress(20, "importing appliance")
		if err := rt.VBox.ImportVM(jctx, appliance, vbox.ImportOptions{VMName: a2.NewName}, rt.cfg().LongOperationTimeout()); err != nil {
			return nil, markAmbiguous(err)
		}
		return map[string]any{"backup_id": a2.BackupID, "vm_name": a2.NewName}, nil
	})
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Data:  map[string]any{"job_id": jobID, "state": "queued"},
		JobID: jobID,
	}, nil
}

func (rt *Runtime) bakDelete(_ context.Context, a backupArgs) (*tools.Result, error) {
	if err := tools.RequireString("backup_id", a.BackupID); err != nil {
		return nil, err
	}
	if err := rt.Backups.Delete(a.BackupID); err != nil {
		return nil, err
	}
	return &tools.Result{Data: map[string]any{"backup_id": a.BackupID, "deleted": true}}, nil
}
