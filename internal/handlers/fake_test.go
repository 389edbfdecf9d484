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
	"fmt"
	"sync"
	"time"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
)

// fakeVBox is an in-memory hypervisor implementing vbox.API. State mutations
// are immediate and synchronous; tests inject failures per verb via fail.
type fakeVBox struct {
	mu        sync.Mutex
	vms       map[string]*vbox.VMInfo
	snaps     map[string]*vbox.SnapshotTree
	media     map[string]*vbox.MediumInfo
	hostOnly  []vbox.HostOnlyNetwork
	natNets   []vbox.NATNetwork
	natRules  map[string][]vbox.PortForward
	execRes   *vbox.GuestExecResult
	calls     []string
	fail      map[string]error
	exported  []string
	screenPNG []byte
}

func newFakeVBox() *fakeVBox {
	return &fakeVBox{
		vms:      make(map[string]*vbox.VMInfo),
		snaps:    make(map[string]*vbox.SnapshotTree),
		media:    make(map[string]*vbox.MediumInfo),
		natRules: make(map[string][]vbox.PortForward),
		fail:     make(map[string]error),
		execRes:  &vbox.GuestExecResult{ExitCode: 0, Stdout: "ok\n"},
		// Smallest valid PNG header is irrelevant here; handlers only
		// re-encode what the adapter returns.
		screenPNG: []byte{0x89, 'P', 'N', 'G'},
	}
}

func (f *fakeVBox) addVM(name string, state vbox.VMState) *vbox.VMInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := &vbox.VMInfo{
		VMSummary: vbox.VMSummary{
			ID:       "uuid-" + name,
			Name:     name,
			State:    state,
			OSType:   "Ubuntu_64",
			MemoryMB: 2048,
			CPUs:     2,
		},
		Firmware: "bios",
		CfgFile:  "/vms/" + name + "/" + name + ".vbox",
		NICs: []vbox.NIC{
			{Slot: 1, Enabled: true, Mode: "nat", CableConnected: true},
		},
		Controllers: []vbox.StorageController{
			{Name: "SATA", Type: "sata", PortCount: 2, Bootable: true},
		},
	}
	f.vms[name] = info
	f.snaps[name] = &vbox.SnapshotTree{}
	return info
}

func (f *fakeVBox) record(verb string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verb)
	return f.fail[verb]
}

func (f *fakeVBox) called(verb string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == verb {
			return true
		}
	}
	return false
}

func (f *fakeVBox) lookup(name string) (*vbox.VMInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.vms[name]
	if !ok {
		return nil, contracts.New(contracts.ErrNotFound, "could not find VM %q", name)
	}
	return info, nil
}

func (f *fakeVBox) setState(name string, state vbox.VMState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.vms[name]; ok {
		info.State = state
	}
}

func (f *fakeVBox) ListVMs(context.Context) ([]vbox.VMSummary, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vbox.VMSummary, 0, len(f.vms))
	for _, info := range f.vms {
		out = append(out, info.VMSummary)
	}
	return out, nil
}

func (f *fakeVBox) ListRunningVMs(ctx context.Context) ([]vbox.VMSummary, error) {
	all, err := f.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	var out []vbox.VMSummary
	for _, vm := range all {
		if vm.State == vbox.StateRunning {
			out = append(out, vm)
		}
	}
	return out, nil
}

func (f *fakeVBox) GetVMInfo(_ context.Context, name string) (*vbox.VMInfo, error) {
	if err := f.record("showvminfo"); err != nil {
		return nil, err
	}
	info, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *info
	return &cp, nil
}

func (f *fakeVBox) CreateVM(_ context.Context, spec vbox.CreateSpec) (*vbox.VMInfo, error) {
	if err := f.record("createvm"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if _, exists := f.vms[spec.Name]; exists {
		f.mu.Unlock()
		return nil, contracts.New(contracts.ErrAlreadyExists, "machine %q already exists", spec.Name)
	}
	f.mu.Unlock()
	info := f.addVM(spec.Name, vbox.StatePoweredOff)
	f.mu.Lock()
	info.OSType = spec.OSType
	info.MemoryMB = spec.MemoryMB
	info.CPUs = spec.CPUs
	if spec.Firmware != "" {
		info.Firmware = spec.Firmware
	}
	info.Controllers = nil
	cp := *info
	f.mu.Unlock()
	return &cp, nil
}

func (f *fakeVBox) ModifyVM(_ context.Context, name string, spec vbox.ModifySpec) error {
	if err := f.record("modifyvm"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.MemoryMB != nil {
		info.MemoryMB = *spec.MemoryMB
	}
	if spec.CPUs != nil {
		info.CPUs = *spec.CPUs
	}
	if spec.Description != nil {
		info.Description = *spec.Description
	}
	if spec.Firmware != nil {
		info.Firmware = *spec.Firmware
	}
	return nil
}

func (f *fakeVBox) DeleteVM(_ context.Context, name string, _ bool) error {
	if err := f.record("unregistervm"); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, name)
	delete(f.snaps, name)
	return nil
}

func (f *fakeVBox) CloneVM(_ context.Context, spec vbox.CloneSpec, _ time.Duration) error {
	if err := f.record("clonevm"); err != nil {
		return err
	}
	if _, err := f.lookup(spec.Source); err != nil {
		return err
	}
	if spec.Linked && spec.Snapshot == "" {
		return contracts.New(contracts.ErrValidation, "linked clone requires a snapshot")
	}
	f.addVM(spec.NewName, vbox.StatePoweredOff)
	return nil
}

func (f *fakeVBox) StartVM(_ context.Context, name string, _ bool) error {
	if err := f.record("startvm"); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.setState(name, vbox.StateRunning)
	return nil
}

func (f *fakeVBox) StopVM(_ context.Context, name string, _ bool, _ time.Duration) error {
	if err := f.record("stopvm"); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.setState(name, vbox.StatePoweredOff)
	return nil
}

func (f *fakeVBox) PauseVM(_ context.Context, name string) error {
	if err := f.record("pause"); err != nil {
		return err
	}
	f.setState(name, vbox.StatePaused)
	return nil
}

func (f *fakeVBox) ResumeVM(_ context.Context, name string) error {
	if err := f.record("resume"); err != nil {
		return err
	}
	f.setState(name, vbox.StateRunning)
	return nil
}

func (f *fakeVBox) ResetVM(_ context.Context, name string) error {
	return f.record("reset")
}

func (f *fakeVBox) SaveState(_ context.Context, name string) error {
	if err := f.record("savestate"); err != nil {
		return err
	}
	f.setState(name, vbox.StateSaved)
	return nil
}

func (f *fakeVBox) DiscardState(_ context.Context, name string) error {
	if err := f.record("discardstate"); err != nil {
		return err
	}
	f.setState(name, vbox.StatePoweredOff)
	return nil
}

func (f *fakeVBox) WaitForState(_ context.Context, name string, _ time.Duration, targets ...vbox.VMState) error {
	if err := f.record("waitstate"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range targets {
		if info.State == t {
			return nil
		}
	}
	return contracts.New(contracts.ErrTimeout, "VM %s did not reach %v", name, targets)
}

func (f *fakeVBox) ExportVM(_ context.Context, name, outputPath string, _ vbox.ExportOptions, _ time.Duration) error {
	if err := f.record("export"); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported = append(f.exported, outputPath)
	return nil
}

func (f *fakeVBox) ImportVM(_ context.Context, appliancePath string, opts vbox.ImportOptions, _ time.Duration) error {
	if err := f.record("import"); err != nil {
		return err
	}
	name := opts.VMName
	if name == "" {
		name = "imported"
	}
	f.addVM(name, vbox.StatePoweredOff)
	return nil
}

func (f *fakeVBox) ListHostOnlyNetworks(context.Context) ([]vbox.HostOnlyNetwork, error) {
	if err := f.record("list-hostonly"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vbox.HostOnlyNetwork(nil), f.hostOnly...), nil
}

func (f *fakeVBox) CreateHostOnlyNetwork(_ context.Context, spec vbox.HostOnlySpec) (*vbox.HostOnlyNetwork, error) {
	if err := f.record("hostonly-create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	net := vbox.HostOnlyNetwork{
		Name:        fmt.Sprintf("vboxnet%d", len(f.hostOnly)),
		IP:          spec.IP,
		Netmask:     spec.Netmask,
		DHCPEnabled: spec.DHCPEnabled,
	}
	f.hostOnly = append(f.hostOnly, net)
	return &net, nil
}

func (f *fakeVBox) RemoveHostOnlyNetwork(_ context.Context, name string) error {
	if err := f.record("hostonly-remove"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.hostOnly {
		if n.Name == name {
			f.hostOnly = append(f.hostOnly[:i], f.hostOnly[i+1:]...)
			return nil
		}
	}
	return contracts.New(contracts.ErrNotFound, "interface %q not found", name)
}

func (f *fakeVBox) ListNATNetworks(context.Context) ([]vbox.NATNetwork, error) {
	if err := f.record("natnet-list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vbox.NATNetwork(nil), f.natNets...), nil
}

func (f *fakeVBox) CreateNATNetwork(_ context.Context, name, cidr string, dhcp bool) error {
	if err := f.record("natnet-add"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.natNets = append(f.natNets, vbox.NATNetwork{Name: name, Network: cidr, Enabled: true, DHCPEnabled: dhcp})
	return nil
}

func (f *fakeVBox) RemoveNATNetwork(_ context.Context, name string) error {
	if err := f.record("natnet-remove"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.natNets {
		if n.Name == name {
			f.natNets = append(f.natNets[:i], f.natNets[i+1:]...)
			return nil
		}
	}
	return contracts.New(contracts.ErrNotFound, "NAT network %q not found", name)
}

func (f *fakeVBox) SetNIC(_ context.Context, name string, spec vbox.NICSpec) error {
	if err := f.record("setnic"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range info.NICs {
		if info.NICs[i].Slot == spec.Slot {
			info.NICs[i].Mode = spec.Mode
			info.NICs[i].AttachmentTarget = spec.AttachmentTarget
			return nil
		}
	}
	info.NICs = append(info.NICs, vbox.NIC{Slot: spec.Slot, Enabled: true, Mode: spec.Mode, AttachmentTarget: spec.AttachmentTarget})
	return nil
}

func (f *fakeVBox) SetLinkState(_ context.Context, name string, slot int, connected bool) error {
	if err := f.record("setlinkstate"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range info.NICs {
		if info.NICs[i].Slot == slot {
			info.NICs[i].CableConnected = connected
			return nil
		}
	}
	return contracts.New(contracts.ErrNotFound, "adapter %d not found on %q", slot, name)
}

func (f *fakeVBox) AddPortForward(_ context.Context, name string, slot int, rule vbox.PortForward, _ bool) error {
	if err := f.record("natpf-add"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range info.NICs {
		if info.NICs[i].Slot == slot {
			info.NICs[i].PortForwards = append(info.NICs[i].PortForwards, rule)
			return nil
		}
	}
	return contracts.New(contracts.ErrNotFound, "no adapter in slot %d", slot)
}

func (f *fakeVBox) RemovePortForward(_ context.Context, name string, slot int, ruleName string, _ bool) error {
	if err := f.record("natpf-remove"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range info.NICs {
		if info.NICs[i].Slot != slot {
			continue
		}
		for j, pf := range info.NICs[i].PortForwards {
			if pf.Name == ruleName {
				info.NICs[i].PortForwards = append(info.NICs[i].PortForwards[:j], info.NICs[i].PortForwards[j+1:]...)
				return nil
			}
		}
	}
	return contracts.New(contracts.ErrNotFound, "rule %q not found", ruleName)
}

func (f *fakeVBox) AddNATNetworkForward(_ context.Context, netName string, rule vbox.PortForward) error {
	if err := f.record("natnet-pf-add"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pf := range f.natRules[netName] {
		if pf.Name == rule.Name {
			return contracts.New(contracts.ErrAlreadyExists, "rule %q already exists on %q", rule.Name, netName)
		}
	}
	f.natRules[netName] = append(f.natRules[netName], rule)
	return nil
}

func (f *fakeVBox) RemoveNATNetworkForward(_ context.Context, netName, ruleName string) error {
	if err := f.record("natnet-pf-remove"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pf := range f.natRules[netName] {
		if pf.Name == ruleName {
			f.natRules[netName] = append(f.natRules[netName][:i], f.natRules[netName][i+1:]...)
			return nil
		}
	}
	return contracts.New(contracts.ErrNotFound, "rule %q not found on %q", ruleName, netName)
}

func (f *fakeVBox) SetPromiscuousMode(_ context.Context, name string, _ int, _ string, _ bool) error {
	if err := f.record("nicpromisc"); err != nil {
		return err
	}
	_, err := f.lookup(name)
	return err
}

func (f *fakeVBox) SetBandwidthLimit(_ context.Context, name string, _ int, _ int, _ bool) error {
	if err := f.record("bandwidthctl"); err != nil {
		return err
	}
	_, err := f.lookup(name)
	return err
}

func (f *fakeVBox) AddController(_ context.Context, name string, spec vbox.ControllerSpec) error {
	if err := f.record("storagectl-add"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info.Controllers = append(info.Controllers, vbox.StorageController{
		Name: spec.Name, Type: spec.Type, PortCount: spec.PortCount, Bootable: spec.Bootable,
	})
	return nil
}

func (f *fakeVBox) RemoveController(_ context.Context, name, controllerName string) error {
	if err := f.record("storagectl-remove"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range info.Controllers {
		if c.Name == controllerName {
			info.Controllers = append(info.Controllers[:i], info.Controllers[i+1:]...)
			return nil
		}
	}
	return contracts.New(contracts.ErrNotFound, "controller %q not found", controllerName)
}

func (f *fakeVBox) AttachMedium(_ context.Context, name string, spec vbox.AttachSpec) error {
	if err := f.record("storageattach"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range info.Controllers {
		if c.Name != spec.Controller {
			continue
		}
		for j, att := range c.Attachments {
			if att.Port == spec.Port && att.Device == spec.Device {
				if spec.MediumPath == "emptydrive" || spec.MediumPath == "none" {
					info.Controllers[i].Attachments = append(c.Attachments[:j], c.Attachments[j+1:]...)
					return nil
				}
				// Swap in place, as VirtualBox does for DVD media.
				info.Controllers[i].Attachments[j].MediumPath = spec.MediumPath
				return nil
			}
		}
		if spec.MediumPath != "emptydrive" && spec.MediumPath != "none" {
			info.Controllers[i].Attachments = append(c.Attachments, vbox.DiskAttachment{
				Controller: spec.Controller, Port: spec.Port, Device: spec.Device,
				MediumPath: spec.MediumPath, MediumType: spec.MediumType,
			})
		}
		return nil
	}
	return contracts.New(contracts.ErrNotFound, "controller %q not found", spec.Controller)
}

func (f *fakeVBox) DetachMedium(_ context.Context, name, controllerName string, port, device int) error {
	if err := f.record("storagedetach"); err != nil {
		return err
	}
	info, err := f.lookup(name)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range info.Controllers {
		if c.Name != controllerName {
			continue
		}
		for j, att := range c.Attachments {
			if att.Port == port && att.Device == device {
				info.Controllers[i].Attachments = append(c.Attachments[:j], c.Attachments[j+1:]...)
				return nil
			}
		}
	}
	return contracts.New(contracts.ErrNotFound, "no medium at %s port %d device %d", controllerName, port, device)
}

func (f *fakeVBox) CreateMedium(_ context.Context, spec vbox.MediumSpec) (*vbox.MediumInfo, error) {
	if err := f.record("createmedium"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.media[spec.Path]; exists {
		return nil, contracts.New(contracts.ErrAlreadyExists, "medium %q already exists", spec.Path)
	}
	info := &vbox.MediumInfo{
		UUID:   "medium-" + spec.Path,
		Path:   spec.Path,
		Format: spec.Format,
		SizeMB: spec.SizeMB,
	}
	f.media[spec.Path] = info
	cp := *info
	return &cp, nil
}

func (f *fakeVBox) CloneMedium(_ context.Context, src, dst, format string, _ time.Duration) error {
	if err := f.record("clonemedium"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	srcInfo, ok := f.media[src]
	if !ok {
		return contracts.New(contracts.ErrNotFound, "medium %q not found", src)
	}
	cp := *srcInfo
	cp.UUID = "medium-" + dst
	cp.Path = dst
	if format != "" {
		cp.Format = format
	}
	f.media[dst] = &cp
	return nil
}

func (f *fakeVBox) DeleteMedium(_ context.Context, path string) error {
	if err := f.record("closemedium"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.media[path]; !ok {
		return contracts.New(contracts.ErrNotFound, "medium %q not found", path)
	}
	delete(f.media, path)
	return nil
}

func (f *fakeVBox) ResizeMedium(_ context.Context, path string, sizeMB int64) error {
	if err := f.record("resizemedium"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.media[path]
	if !ok {
		return contracts.New(contracts.ErrNotFound, "medium %q not found", path)
	}
	info.SizeMB = sizeMB
	return nil
}

func (f *fakeVBox) GetMediumInfo(_ context.Context, path string) (*vbox.MediumInfo, error) {
	if err := f.record("showmediuminfo"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.media[path]
	if !ok {
		return nil, contracts.New(contracts.ErrNotFound, "medium %q not found", path)
	}
	cp := *info
	return &cp, nil
}

func (f *fakeVBox) ListHardDisks(context.Context) ([]vbox.MediumInfo, error) {
	if err := f.record("list-hdds"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vbox.MediumInfo, 0, len(f.media))
	for _, m := range f.media {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeVBox) GetSnapshotTree(_ context.Context, name string) (*vbox.SnapshotTree, error) {
	if err := f.record("snapshot-list"); err != nil {
		return nil, err
	}
	if _, err := f.lookup(name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps[name], nil
}

func (f *fakeVBox) TakeSnapshot(_ context.Context, name, snapName, description string) error {
	if err := f.record("snapshot-take"); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	node := &vbox.Snapshot{ID: "snap-" + snapName, Name: snapName, Description: description}
	tree := f.snaps[name]
	if tree.Root == nil {
		tree.Root = node
	} else {
		cur := tree.Root
		for len(cur.Children) > 0 {
			cur = cur.Children[len(cur.Children)-1]
		}
		cur.Children = append(cur.Children, node)
	}
	tree.CurrentID = node.ID
	tree.CurrentName = node.Name
	return nil
}

func (f *fakeVBox) DeleteSnapshot(_ context.Context, name, snapshot string, _ time.Duration) error {
	if err := f.record("snapshot-delete"); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tree := f.snaps[name]
	if tree.Root != nil && tree.Root.Name == snapshot {
		if len(tree.Root.Children) == 1 {
			tree.Root = tree.Root.Children[0]
		} else {
			tree.Root = nil
		}
		return nil
	}
	var walk func(s *vbox.Snapshot) bool
	walk = func(s *vbox.Snapshot) bool {
		if s == nil {
			return false
		}
		for i, c := range s.Children {
			if c.Name == snapshot {
				s.Children = append(s.Children[:i], s.Children[i+1:]...)
				return true
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	if tree.Root != nil && walk(tree.Root) {
		return nil
	}
	return contracts.New(contracts.ErrNotFound, "snapshot %q not found", snapshot)
}

func (f *fakeVBox) RestoreSnapshot(_ context.Context, name, snapshot string) error {
	if err := f.record("snapshot-restore"); err != nil {
		return err
	}
	if _, err := f.lookup(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tree := f.snaps[name]
	node := tree.FindByName(snapshot)
	if node == nil {
		return contracts.New(contracts.ErrNotFound, "snapshot %q not found", snapshot)
	}
	tree.CurrentID = node.ID
	tree.CurrentName = node.Name
	return nil
}

func (f *fakeVBox) RestoreCurrentSnapshot(_ context.Context, name string) error {
	return f.record("snapshot-restorecurrent")
}

func (f *fakeVBox) GetVersion(context.Context) (*vbox.VersionInfo, error) {
	if err := f.record("version"); err != nil {
		return nil, err
	}
	return &vbox.VersionInfo{Raw: "7.0.18r162988", Version: "7.0.18", Revision: "162988"}, nil
}

func (f *fakeVBox) GetHostInfo(context.Context) (*vbox.HostInfo, error) {
	if err := f.record("hostinfo"); err != nil {
		return nil, err
	}
	return &vbox.HostInfo{
		CPUCount: 8, CPUOnlineCount: 8,
		MemorySizeMB: 32768, MemoryAvailableMB: 16384,
		OperatingSystem: "Linux", OSVersion: "6.8",
	}, nil
}

func (f *fakeVBox) ListOSTypes(context.Context) ([]vbox.OSType, error) {
	if err := f.record("ostypes"); err != nil {
		return nil, err
	}
	return []vbox.OSType{
		{ID: "Ubuntu_64", Description: "Ubuntu (64-bit)", Is64Bit: true},
		{ID: "Windows11_64", Description: "Windows 11 (64-bit)", Is64Bit: true},
		{ID: "Other", Description: "Other/Unknown"},
	}, nil
}

func (f *fakeVBox) GetVMMetrics(_ context.Context, name string, _ time.Duration) (*vbox.VMMetrics, error) {
	if err := f.record("metrics"); err != nil {
		return nil, err
	}
	if _, err := f.lookup(name); err != nil {
		return nil, err
	}
	return &vbox.VMMetrics{CPUPct: 12.5, MemoryUsedMB: 1024}, nil
}

func (f *fakeVBox) TakeScreenshot(_ context.Context, name string) (*vbox.ScreenshotResult, error) {
	if err := f.record("screenshot"); err != nil {
		return nil, err
	}
	if _, err := f.lookup(name); err != nil {
		return nil, err
	}
	return &vbox.ScreenshotResult{PNG: f.screenPNG, Width: 800, Height: 600, TakenAt: time.Now().UTC()}, nil
}

func (f *fakeVBox) GuestExec(_ context.Context, name string, _ vbox.GuestCredentials, _ string, _ []string, _ time.Duration) (*vbox.GuestExecResult, error) {
	if err := f.record("guestexec"); err != nil {
		return nil, err
	}
	if _, err := f.lookup(name); err != nil {
		return nil, err
	}
	cp := *f.execRes
	return &cp, nil
}

func (f *fakeVBox) GuestCopyTo(_ context.Context, name string, _ vbox.GuestCredentials, _, _ string, _ time.Duration) error {
	return f.record("copyto")
}

func (f *fakeVBox) GuestCopyFrom(_ context.Context, name string, _ vbox.GuestCredentials, _, _ string, _ time.Duration) error {
	return f.record("copyfrom")
}

var _ vbox.API = (*fakeVBox)(nil)
