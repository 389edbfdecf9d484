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

var storageActions = []string{
	"list_controllers", "create_controller", "remove_controller",
	"list_disks", "create_disk", "attach_disk", "detach_disk",
	"mount_iso", "unmount_iso", "resize_disk", "clone_disk", "delete_disk",
}

const storageSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["list_controllers", "create_controller", "remove_controller", "list_disks", "create_disk", "attach_disk", "detach_disk", "mount_iso", "unmount_iso", "resize_disk", "clone_disk", "delete_disk"]},
    "vm_name": {"type": "string"},
    "controller_name": {"type": "string"},
    "controller_type": {"type": "string", "enum": ["ide", "sata", "scsi", "sas", "nvme", "usb", "floppy"]},
    "port_count": {"type": "integer"},
    "bootable": {"type": "boolean"},
    "disk_path": {"type": "string"},
    "size_gb": {"type": "integer"},
    "size_mb": {"type": "integer"},
    "format": {"type": "string", "enum": ["vdi", "vhd", "vmdk"]},
    "variant": {"type": "string", "enum": ["standard", "fixed", "split2g", "diff"]},
    "parent": {"type": "string"},
    "port": {"type": "integer"},
    "device": {"type": "integer"},
    "medium_type": {"type": "string", "enum": ["hdd", "dvd", "floppy"]},
    "read_only": {"type": "boolean"},
    "iso_path": {"type": "string"},
    "source_path": {"type": "string"},
    "dest_path": {"type": "string"},
    "delete_file": {"type": "boolean"}
  }
}`

func (rt *Runtime) storageTool() *tools.Tool {
	return &tools.Tool{
		Name:        "storage_management",
		Description: "Manage storage controllers, virtual disks, and ISO media: create, attach, detach, resize, and clone.",
		Actions:     storageActions,
		Schema:      json.RawMessage(storageSchema),
		Handler:     rt.handleStorage,
	}
}

func (rt *Runtime) handleStorage(ctx context.Context, action string, args json.RawMessage) (*tools.Result, error) {
	switch action {
	case "list_controllers":
		return rt.stListControllers(ctx, args)
	case "create_controller":
		return rt.stCreateController(ctx, args)
	case "remove_controller":
		return rt.stRemoveController(ctx, args)
	case "list_disks":
		return rt.stListDisks(ctx, args)
	case "create_disk":
		return rt.stCreateDisk(ctx, args)
	case "attach_disk":
		return rt.stAttachDisk(ctx, args)
	case "detach_disk":
		return rt.stDetachDisk(ctx, args)
	case "mount_iso":
		return rt.stMountISO(ctx, args)
	case "unmount_iso":
		return rt.stUnmountISO(ctx, args)
	case "resize_disk":
		return rt.stResizeDisk(ctx, args)
	case "clone_disk":
		return rt.stCloneDisk(ctx, args)
	case "delete_disk":
		return rt.stDeleteDisk(ctx, args)
	default:
		return nil, contracts.New(contracts.ErrInternal, "unrouted action %s", action)
	}
}

func (rt *Runtime) stListControllers(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
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
	return &tools.Result{Data: map[string]any{"vm_name": vm, "controllers": info.Controllers}}, nil
}

type stControllerArgs struct {
	Action         string `json:"action"`
	VMName         string `json:"vm_name"`
	ControllerName string `json:"controller_name"`
	ControllerType string `json:"controller_type"`
	PortCount      int    `json:"port_count"`
	Bootable       *bool  `json:"bootable"`
}

func (rt *Runtime) stCreateController(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stControllerArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("controller_name", a.ControllerName); err != nil {
		return nil, err
	}
	if err := tools.RequireOneOf("controller_type", a.ControllerType, "ide", "sata", "scsi", "sas", "nvme", "usb", "floppy"); err != nil {
		return nil, err
	}
	if a.PortCount != 0 {
		if err := tools.RequireRange("port_count", a.PortCount, 1, 30); err != nil {
			return nil, err
		}
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateAborted)
	if err != nil {
		return nil, err
	}
	for _, c := range info.Controllers {
		if c.Name == a.ControllerName {
			return nil, contracts.New(contracts.ErrAlreadyExists,
				"controller %s already exists on VM %s", a.ControllerName, a.VMName).
				WithDetail("vm", a.VMName)
		}
	}

	bootable := a.Bootable == nil || *a.Bootable
	if err := rt.VBox.AddController(ctx, a.VMName, vbox.ControllerSpec{
		Name:      a.ControllerName,
		Type:      a.ControllerType,
		PortCount: a.PortCount,
		Bootable:  bootable,
	}); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":         a.VMName,
		"controller_name": a.ControllerName,
		"controller_type": a.ControllerType,
	}}, nil
}

func (rt *Runtime) stRemoveController(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stControllerArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("controller_name", a.ControllerName); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateAborted)
	if err != nil {
		return nil, err
	}
	for _, c := range info.Controllers {
		if c.Name == a.ControllerName && len(c.Attachments) > 0 {
			return nil, contracts.New(contracts.ErrInvalidState,
				"controller %s still has %d attached media", a.ControllerName, len(c.Attachments)).
				WithDetail("vm", a.VMName)
		}
	}

	if err := rt.VBox.RemoveController(ctx, a.VMName, a.ControllerName); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":         a.VMName,
		"controller_name": a.ControllerName,
		"removed":         true,
	}}, nil
}

func (rt *Runtime) stListDisks(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a struct {
		Action string `json:"action"`
		VMName string `json:"vm_name"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}

	// Without a VM the listing covers every registered hard disk on the host.
	if a.VMName == "" {
		disks, err := rt.VBox.ListHardDisks(ctx)
		if err != nil {
			return nil, err
		}
		return &tools.Result{Data: map[string]any{"disks": disks, "count": len(disks)}}, nil
	}

	lease, err := rt.lockRead(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, err := rt.VBox.GetVMInfo(ctx, a.VMName)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}
	attachments := []vbox.DiskAttachment{}
	for _, c := range info.Controllers {
		attachments = append(attachments, c.Attachments...)
	}
	return &tools.Result{Data: map[string]any{"vm_name": a.VMName, "attachments": attachments}}, nil
}

type stCreateDiskArgs struct {
	Action   string `json:"action"`
	DiskPath string `json:"disk_path"`
	SizeGB   int    `json:"size_gb"`
	Format   string `json:"format"`
	Variant  string `json:"variant"`
	Parent   string `json:"parent"`
}

// diskVariants maps tool variant names to VBoxManage's spelling. "diff" has
// no variant flag; it is expressed through the parent linkage.
var diskVariants = map[string]string{
	"standard": "Standard",
	"fixed":    "Fixed",
	"split2g":  "Split2G",
}

func (rt *Runtime) stCreateDisk(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stCreateDiskArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("disk_path", a.DiskPath); err != nil {
		return nil, err
	}
	if a.Format == "" {
		a.Format = "vdi"
	}
	if err := tools.RequireOneOf("format", a.Format, "vdi", "vhd", "vmdk"); err != nil {
		return nil, err
	}
	if a.Variant != "" {
		if err := tools.RequireOneOf("variant", a.Variant, "standard", "fixed", "split2g", "diff"); err != nil {
			return nil, err
		}
	}

	spec := vbox.MediumSpec{Path: a.DiskPath, Format: a.Format}
	if a.Variant == "diff" {
		// Differencing disks inherit geometry from their parent.
		if err := tools.RequireString("parent", a.Parent); err != nil {
			return nil, err
		}
		spec.Parent = a.Parent
	} else {
		if err := tools.RequireRange("size_gb", a.SizeGB, 1, 2048); err != nil {
			return nil, err
		}
		spec.SizeMB = int64(a.SizeGB) * 1024
		spec.Variant = diskVariants[a.Variant]
	}

	medium, err := rt.VBox.CreateMedium(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: medium}, nil
}

type stAttachArgs struct {
	Action     string `json:"action"`
	VMName     string `json:"vm_name"`
	Controller string `json:"controller_name"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
	DiskPath   string `json:"disk_path"`
	MediumType string `json:"medium_type"`
	ReadOnly   bool   `json:"read_only"`
}

func (rt *Runtime) stAttachDisk(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stAttachArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("controller_name", a.Controller); err != nil {
		return nil, err
	}
	if err := tools.RequireString("disk_path", a.DiskPath); err != nil {
		return nil, err
	}
	if a.MediumType == "" {
		a.MediumType = "hdd"
	}
	if err := tools.RequireOneOf("medium_type", a.MediumType, "hdd", "dvd", "floppy"); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateAborted)
	if err != nil {
		return nil, err
	}
	if err := requireSlotFree(info, a.Controller, a.Port, a.Device); err != nil {
		return nil, withVM(err, a.VMName)
	}

	if err := rt.VBox.AttachMedium(ctx, a.VMName, vbox.AttachSpec{
		Controller: a.Controller,
		Port:       a.Port,
		Device:     a.Device,
		MediumPath: a.DiskPath,
		MediumType: a.MediumType,
		ReadOnly:   a.ReadOnly,
	}); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":         a.VMName,
		"controller_name": a.Controller,
		"port":            a.Port,
		"device":          a.Device,
		"disk_path":       a.DiskPath,
	}}, nil
}

// requireSlotFree checks the controller exists and the (port, device) slot is
// empty.
func requireSlotFree(info *vbox.VMInfo, controller string, port, device int) error {
	for _, c := range info.Controllers {
		if c.Name != controller {
			continue
		}
		for _, att := range c.Attachments {
			if att.Port == port && att.Device == device {
				return contracts.New(contracts.ErrAlreadyExists,
					"port %d device %d of controller %s is occupied by %s",
					port, device, controller, att.MediumPath)
			}
		}
		return nil
	}
	return contracts.New(contracts.ErrNotFound, "controller %s not found", controller)
}

type stDetachArgs struct {
	Action     string `json:"action"`
	VMName     string `json:"vm_name"`
	Controller string `json:"controller_name"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
}

func (rt *Runtime) stDetachDisk(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stDetachArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("controller_name", a.Controller); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if _, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateAborted); err != nil {
		return nil, err
	}

	if err := rt.VBox.DetachMedium(ctx, a.VMName, a.Controller, a.Port, a.Device); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":         a.VMName,
		"controller_name": a.Controller,
		"port":            a.Port,
		"device":          a.Device,
		"detached":        true,
	}}, nil
}

type stISOArgs struct {
	Action     string `json:"action"`
	VMName     string `json:"vm_name"`
	Controller string `json:"controller_name"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
	ISOPath    string `json:"iso_path"`
}

// isoSlot resolves the controller and slot an ISO goes into: explicit wins,
// otherwise the first IDE controller at port 1 device 0, then any controller.
func isoSlot(info *vbox.VMInfo, a *stISOArgs) error {
	if a.Controller != "" {
		return nil
	}
	for _, c := range info.Controllers {
		if c.Type == "ide" {
			a.Controller = c.Name
			a.Port = 1
			a.Device = 0
			return nil
		}
	}
	if len(info.Controllers) > 0 {
		a.Controller = info.Controllers[0].Name
		a.Port = 1
		a.Device = 0
		return nil
	}
	return contracts.New(contracts.ErrInvalidState, "VM %s has no storage controllers", info.Name)
}

// requireLiveMediaSwap rejects DVD changes on a live machine unless the
// controller supports hotplugged media (SATA and IDE do).
func requireLiveMediaSwap(info *vbox.VMInfo, controller string) error {
	if info.State != vbox.StateRunning && info.State != vbox.StatePaused {
		return nil
	}
	for _, c := range info.Controllers {
		if c.Name == controller {
			if c.Type == "ide" || c.Type == "sata" {
				return nil
			}
			return contracts.New(contracts.ErrInvalidState,
				"controller %s (%s) does not support media changes while VM %s is %s",
				controller, c.Type, info.Name, info.State).
				WithDetail("state", string(info.State))
		}
	}
	return contracts.New(contracts.ErrNotFound, "controller %s not found", controller)
}

func (rt *Runtime) stMountISO(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stISOArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("iso_path", a.ISOPath); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	// DVD media can be swapped live; attaching to a fresh slot needs the
	// machine off, so mounting is allowed in any non-transitional state.
	info, err := rt.VBox.GetVMInfo(ctx, a.VMName)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}
	if err := isoSlot(info, &a); err != nil {
		return nil, withVM(err, a.VMName)
	}
	if err := requireLiveMediaSwap(info, a.Controller); err != nil {
		return nil, withVM(err, a.VMName)
	}

	if err := rt.VBox.AttachMedium(ctx, a.VMName, vbox.AttachSpec{
		Controller: a.Controller,
		Port:       a.Port,
		Device:     a.Device,
		MediumPath: a.ISOPath,
		MediumType: "dvd",
	}); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":         a.VMName,
		"controller_name": a.Controller,
		"port":            a.Port,
		"device":          a.Device,
		"iso_path":        a.ISOPath,
	}}, nil
}

func (rt *Runtime) stUnmountISO(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stISOArgs
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

	info, err := rt.VBox.GetVMInfo(ctx, a.VMName)
	if err != nil {
		return nil, withVM(err, a.VMName)
	}
	if a.Controller == "" {
		// Find the mounted DVD.
		found := false
		for _, c := range info.Controllers {
			for _, att := range c.Attachments {
				if att.MediumType == "dvd" {
					a.Controller = c.Name
					a.Port = att.Port
					a.Device = att.Device
					found = true
				}
			}
		}
		if !found {
			return nil, contracts.New(contracts.ErrNotFound, "VM %s has no mounted ISO", a.VMName).
				WithDetail("vm", a.VMName)
		}
	}
	if err := requireLiveMediaSwap(info, a.Controller); err != nil {
		return nil, withVM(err, a.VMName)
	}

	// "emptydrive" keeps the virtual drive but ejects the medium.
	if err := rt.VBox.AttachMedium(ctx, a.VMName, vbox.AttachSpec{
		Controller: a.Controller,
		Port:       a.Port,
		Device:     a.Device,
		MediumPath: "emptydrive",
		MediumType: "dvd",
	}); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":         a.VMName,
		"controller_name": a.Controller,
		"port":            a.Port,
		"device":          a.Device,
		"unmounted":       true,
	}}, nil
}

type stResizeArgs struct {
	Action   string `json:"action"`
	DiskPath string `json:"disk_path"`
	SizeMB   int64  `json:"size_mb"`
}

func (rt *Runtime) stResizeDisk(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stResizeArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("disk_path", a.DiskPath); err != nil {
		return nil, err
	}
	if a.SizeMB < 1 || a.SizeMB > 2*1024*1024 {
		return nil, contracts.New(contracts.ErrValidation, "size_mb must be between 1 and 2097152, got %d", a.SizeMB)
	}

	// VirtualBox only grows disks; shrinking is rejected up front.
	current, err := rt.VBox.GetMediumInfo(ctx, a.DiskPath)
	if err != nil {
		return nil, err
	}
	if a.SizeMB < current.SizeMB {
		return nil, contracts.New(contracts.ErrValidation,
			"cannot shrink disk from %d MB to %d MB", current.SizeMB, a.SizeMB)
	}

	if err := rt.VBox.ResizeMedium(ctx, a.DiskPath, a.SizeMB); err != nil {
		return nil, err
	}

	updated, err := rt.VBox.GetMediumInfo(ctx, a.DiskPath)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: updated}, nil
}

type stCloneArgs struct {
	Action     string `json:"action"`
	SourcePath string `json:"source_path"`
	DestPath   string `json:"dest_path"`
	Format     string `json:"format"`
}

func (rt *Runtime) stCloneDisk(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stCloneArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("source_path", a.SourcePath); err != nil {
		return nil, err
	}
	if err := tools.RequireString("dest_path", a.DestPath); err != nil {
		return nil, err
	}
	if a.Format != "" {
		if err := tools.RequireOneOf("format", a.Format, "vdi", "vhd", "vmdk"); err != nil {
			return nil, err
		}
	}

	a2 := a
	jobID, err := rt.Jobs.Submit("storage.clone_disk", sessionID(ctx), func(jctx context.Context, progress func(int, string)) (any, error) {
		progress(10, "cloning disk")
		if err := rt.VBox.CloneMedium(jctx, a2.SourcePath, a2.DestPath, a2.Format, rt.cfg().LongOperationTimeout()); err != nil {
			return nil, markAmbiguous(err)
		}
		info, err := rt.VBox.GetMediumInfo(jctx, a2.DestPath)
		if err != nil {
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

type stDeleteDiskArgs struct {
	Action   string `json:"action"`
	DiskPath string `json:"disk_path"`
}

func (rt *Runtime) stDeleteDisk(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a stDeleteDiskArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("disk_path", a.DiskPath); err != nil {
		return nil, err
	}

	if err := rt.VBox.DeleteMedium(ctx, a.DiskPath); err != nil {
		return nil, err
	}
	return &tools.Result{Data: map[string]any{"disk_path": a.DiskPath, "deleted": true}}, nil
}
