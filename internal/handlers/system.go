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
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
)

var systemActions = []string{"host_info", "vbox_version", "ostypes", "metrics", "screenshot"}

const systemSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["host_info", "vbox_version", "ostypes", "metrics", "screenshot"]},
    "vm_name": {"type": "string"},
    "filter": {"type": "string"},
    "sample_window_ms": {"type": "integer", "minimum": 1000, "maximum": 60000},
    "width": {"type": "integer"},
    "height": {"type": "integer"}
  }
}`

func (rt *Runtime) systemTool() *tools.Tool {
	return &tools.Tool{
		Name:        "system_management",
		Description: "Inspect the host and the VirtualBox installation: host resources, version, guest OS types, per-VM runtime metrics, and display screenshots.",
		Actions:     systemActions,
		Schema:      json.RawMessage(systemSchema),
		Handler:     rt.handleSystem,
	}
}

func (rt *Runtime) handleSystem(ctx context.Context, action string, args json.RawMessage) (*tools.Result, error) {
	switch action {
	case "host_info":
		return rt.sysHostInfo(ctx, args)
	case "vbox_version":
		return rt.sysVersion(ctx, args)
	case "ostypes":
		return rt.sysOSTypes(ctx, args)
	case "metrics":
		return rt.sysMetrics(ctx, args)
	case "screenshot":
		return rt.sysScreenshot(ctx, args)
	default:
		return nil, contracts.New(contracts.ErrInternal, "unrouted action %s", action)
	}
}

func (rt *Runtime) sysHostInfo(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a struct {
		Action string `json:"action"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}

	info, err := rt.VBox.GetHostInfo(ctx)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: info}, nil
}

func (rt *Runtime) sysVersion(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a struct {
		Action string `json:"action"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}

	v, err := rt.VBox.GetVersion(ctx)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: v}, nil
}

func (rt *Runtime) sysOSTypes(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a struct {
		Action string `json:"action"`
		Filter string `json:"filter"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}

	types, err := rt.VBox.ListOSTypes(ctx)
	if err != nil {
		return nil, err
	}

	if a.Filter != "" {
		filter := strings.ToLower(a.Filter)
		kept := types[:0]
		for _, t := range types {
			if strings.Contains(strings.ToLower(t.ID), filter) ||
				strings.Contains(strings.ToLower(t.Description), filter) {
				kept = append(kept, t)
			}
		}
		types = kept
	}
	return &tools.Result{Data: map[string]any{"os_types": types, "count": len(types)}}, nil
}

func (rt *Runtime) sysMetrics(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a struct {
		Action         string `json:"action"`
		VMName         string `json:"vm_name"`
		SampleWindowMS int    `json:"sample_window_ms"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	window := time.Second
	if a.SampleWindowMS != 0 {
		if err := tools.RequireRange("sample_window_ms", a.SampleWindowMS, 1000, 60000); err != nil {
			return nil, err
		}
		window = time.Duration(a.SampleWindowMS) * time.Millisecond
	}
	vm := a.VMName

	lease, err := rt.lockRead(ctx, vm)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if _, err := rt.requireState(ctx, vm, vbox.StateRunning); err != nil {
		return nil, err
	}

	m, err := rt.VBox.GetVMMetrics(ctx, vm, window)
	if err != nil {
		return nil, withVM(err, vm)
	}
	return &tools.Result{Data: map[string]any{"vm_name": vm, "metrics": m}}, nil
}

func (rt *Runtime) sysScreenshot(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	// Width and height are accepted for callers that size their display, but
	// the capture is always at the guest's current resolution; the response
	// reports the actual dimensions.
	var a struct {
		Action string `json:"action"`
		VMName string `json:"vm_name"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	vm := a.VMName

	lease, err := rt.lockRead(ctx, vm)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if _, err := rt.requireState(ctx, vm, vbox.StateRunning); err != nil {
		return nil, err
	}

	shot, err := rt.VBox.TakeScreenshot(ctx, vm)
	if err != nil {
		return nil, withVM(err, vm)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":    vm,
		"width":      shot.Width,
		"height":     shot.Height,
		"taken_at":   shot.TakenAt,
		"format":     "png",
		"png_base64": base64.StdEncoding.EncodeToString(shot.PNG),
	}}, nil
}
