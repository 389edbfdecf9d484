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

var networkActions = []string{
	"list_networks", "create_network", "remove_network",
	"list_adapters", "configure_adapter",
	"add_port_forwarding", "remove_port_forwarding", "list_port_forwarding",
	"set_bandwidth_limit", "set_promiscuous_mode",
}

const networkSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["list_networks", "create_network", "remove_network", "list_adapters", "configure_adapter", "add_port_forwarding", "remove_port_forwarding", "list_port_forwarding", "set_bandwidth_limit", "set_promiscuous_mode"]},
    "vm_name": {"type": "string"},
    "network_type": {"type": "string", "enum": ["hostonly", "natnetwork"]},
    "network_name": {"type": "string"},
    "cidr": {"type": "string"},
    "ip": {"type": "string"},
    "netmask": {"type": "string"},
    "dhcp": {"type": "boolean"},
    "dhcp_lower": {"type": "string"},
    "dhcp_upper": {"type": "string"},
    "slot": {"type": "integer", "minimum": 1, "maximum": 8},
    "mode": {"type": "string", "enum": ["none", "nat", "natnetwork", "bridged", "intnet", "hostonly", "generic"]},
    "adapter_type": {"type": "string"},
    "mac": {"type": "string"},
    "cable_connected": {"type": "boolean"},
    "attachment_target": {"type": "string"},
    "rule_name": {"type": "string"},
    "protocol": {"type": "string", "enum": ["tcp", "udp"]},
    "host_ip": {"type": "string"},
    "host_port": {"type": "integer"},
    "guest_ip": {"type": "string"},
    "guest_port": {"type": "integer"},
    "limit_mbps": {"type": "integer"},
    "policy": {"type": "string", "enum": ["deny", "allow-vms", "allow-all"]}
  }
}`

func (rt *Runtime) networkTool() *tools.Tool {
	return &tools.Tool{
		Name:        "network_management",
		Description: "Manage host-only and NAT networks, VM network adapters, NAT port forwarding, bandwidth limits, and promiscuous mode.",
		Actions:     networkActions,
		Schema:      json.RawMessage(networkSchema),
		Handler:     rt.handleNetwork,
	}
}

func (rt *Runtime) handleNetwork(ctx context.Context, action string, args json.RawMessage) (*tools.Result, error) {
	switch action {
	case "list_networks":
		return rt.netListNetworks(ctx, args)
	case "create_network":
		return rt.netCreateNetwork(ctx, args)
	case "remove_network":
		return rt.netRemoveNetwork(ctx, args)
	case "list_adapters":
		return rt.netListAdapters(ctx, args)
	case "configure_adapter":
		return rt.netConfigureAdapter(ctx, args)
	case "add_port_forwarding":
		return rt.netAddForward(ctx, args)
	case "remove_port_forwarding":
		return rt.netRemoveForward(ctx, args)
	case "list_port_forwarding":
		return rt.netListForwards(ctx, args)
	case "set_bandwidth_limit":
		return rt.netSetBandwidth(ctx, args)
	case "set_promiscuous_mode":
		return rt.netSetPromisc(ctx, args)
	default:
		return nil, contracts.New(contracts.ErrInternal, "unrouted action %s", action)
	}
}

func (rt *Runtime) netListNetworks(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a struct {
		Action string `json:"action"`
	}
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}

	hostOnly, err := rt.VBox.ListHostOnlyNetworks(ctx)
	if err != nil {
		return nil, err
	}
	nat, err := rt.VBox.ListNATNetworks(ctx)
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: map[string]any{
		"host_only_networks": hostOnly,
		"nat_networks":       nat,
	}}, nil
}

type netCreateArgs struct {
	Action      string `json:"action"`
	NetworkType string `json:"network_type"`
	NetworkName string `json:"network_name"`
	CIDR        string `json:"cidr"`
	IP          string `json:"ip"`
	Netmask     string `json:"netmask"`
	DHCP        bool   `json:"dhcp"`
	DHCPLower   string `json:"dhcp_lower"`
	DHCPUpper   string `json:"dhcp_upper"`
}

func (rt *Runtime) netCreateNetwork(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a netCreateArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireOneOf("network_type", a.NetworkType, "hostonly", "natnetwork"); err != nil {
		return nil, err
	}

	switch a.NetworkType {
	case "hostonly":
		if a.DHCP {
			if err := tools.RequireString("dhcp_lower", a.DHCPLower); err != nil {
				return nil, err
			}
			if err := tools.RequireString("dhcp_upper", a.DHCPUpper); err != nil {
				return nil, err
			}
		}
		net, err := rt.VBox.CreateHostOnlyNetwork(ctx, vbox.HostOnlySpec{
			IP:          a.IP,
			Netmask:     a.Netmask,
			DHCPEnabled: a.DHCP,
			DHCPLower:   a.DHCPLower,
			DHCPUpper:   a.DHCPUpper,
		})
		if err != nil {
			return nil, err
		}
		return &tools.Result{Data: net}, nil

	default: // natnetwork
		if err := tools.RequireString("network_name", a.NetworkName); err != nil {
			return nil, err
		}
		if err := tools.RequireString("cidr", a.CIDR); err != nil {
			return nil, err
		}
		if err := rt.VBox.CreateNATNetwork(ctx, a.NetworkName, a.CIDR, a.DHCP); err != nil {
			return nil, err
		}
		return &tools.Result{Data: vbox.NATNetwork{
			Name:        a.NetworkName,
			Network:     a.CIDR,
			Enabled:     true,
			DHCPEnabled: a.DHCP,
		}}, nil
	}
}

type netRemoveArgs struct {
	Action      string `json:"action"`
	NetworkType string `json:"network_type"`
	NetworkName string `json:"network_name"`
}

func (rt *Runtime) netRemoveNetwork(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a netRemoveArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireOneOf("network_type", a.NetworkType, "hostonly", "natnetwork"); err != nil {
		return nil, err
	}
	if err := tools.RequireString("network_name", a.NetworkName); err != nil {
		return nil, err
	}

	var err error
	if a.NetworkType == "hostonly" {
		err = rt.VBox.RemoveHostOnlyNetwork(ctx, a.NetworkName)
	} else {
		err = rt.VBox.RemoveNATNetwork(ctx, a.NetworkName)
	}
	if err != nil {
		return nil, err
	}
	return &tools.Result{Data: map[string]any{"network_name": a.NetworkName, "removed": true}}, nil
}

func (rt *Runtime) netListAdapters(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
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
	return &tools.Result{Data: map[string]any{"vm_name": vm, "adapters": info.NICs}}, nil
}

type netAdapterArgs struct {
	Action           string `json:"action"`
	VMName           string `json:"vm_name"`
	Slot             int    `json:"slot"`
	Mode             string `json:"mode"`
	AdapterType      string `json:"adapter_type"`
	MAC              string `json:"mac"`
	CableConnected   *bool  `json:"cable_connected"`
	AttachmentTarget string `json:"attachment_target"`
}

func (rt *Runtime) netConfigureAdapter(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a netAdapterArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireRange("slot", a.Slot, 1, 8); err != nil {
		return nil, err
	}
	if err := tools.RequireOneOf("mode", a.Mode, "none", "nat", "natnetwork", "bridged", "intnet", "hostonly", "generic"); err != nil {
		return nil, err
	}
	switch a.Mode {
	case "bridged", "hostonly", "intnet", "natnetwork":
		if err := tools.RequireString("attachment_target", a.AttachmentTarget); err != nil {
			return nil, err
		}
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

	// On a live machine the only reconfigurable field is the cable state;
	// everything else needs modifyvm, which only works cold.
	if info.State == vbox.StateRunning || info.State == vbox.StatePaused {
		return rt.netLiveCableToggle(ctx, a, info)
	}
	if _, err := rt.requireState(ctx, a.VMName, vbox.StatePoweredOff, vbox.StateAborted, vbox.StateSaved); err != nil {
		return nil, err
	}

	if err := rt.VBox.SetNIC(ctx, a.VMName, vbox.NICSpec{
		Slot:             a.Slot,
		Mode:             a.Mode,
		AdapterType:      a.AdapterType,
		MAC:              a.MAC,
		CableConnected:   a.CableConnected,
		AttachmentTarget: a.AttachmentTarget,
	}); err != nil {
		return nil, withVM(err, a.VMName)
	}

	return &tools.Result{Data: map[string]any{"vm_name": a.VMName, "slot": a.Slot, "mode": a.Mode}}, nil
}

// netLiveCableToggle handles configure_adapter against a running machine: the
// request must change nothing but the cable state.
func (rt *Runtime) netLiveCableToggle(ctx context.Context, a netAdapterArgs, info *vbox.VMInfo) (*tools.Result, error) {
	var current *vbox.NIC
	for i := range info.NICs {
		if info.NICs[i].Slot == a.Slot {
			current = &info.NICs[i]
			break
		}
	}
	if current == nil {
		return nil, contracts.New(contracts.ErrNotFound, "VM %s has no adapter in slot %d", a.VMName, a.Slot).
			WithDetail("vm", a.VMName)
	}

	structural := a.Mode != current.Mode ||
		a.AdapterType != "" || a.MAC != "" ||
		(a.AttachmentTarget != "" && a.AttachmentTarget != current.AttachmentTarget)
	if structural || a.CableConnected == nil {
		return nil, contracts.New(contracts.ErrInvalidState,
			"VM %s is %s; only cable_connected can change on a live adapter", a.VMName, info.State).
			WithDetail("vm", a.VMName).
			WithDetail("state", string(info.State))
	}

	if err := rt.VBox.SetLinkState(ctx, a.VMName, a.Slot, *a.CableConnected); err != nil {
		return nil, markAmbiguous(withVM(err, a.VMName))
	}
	return &tools.Result{Data: map[string]any{
		"vm_name":         a.VMName,
		"slot":            a.Slot,
		"cable_connected": *a.CableConnected,
	}}, nil
}

type netForwardArgs struct {
	Action    string `json:"action"`
	VMName    string `json:"vm_name"`
	Slot      int    `json:"slot"`
	RuleName  string `json:"rule_name"`
	Protocol  string `json:"protocol"`
	HostIP    string `json:"host_ip"`
	HostPort  int    `json:"host_port"`
	GuestIP   string `json:"guest_ip"`
	GuestPort int    `json:"guest_port"`
}

// forwardNIC validates that the slot is a nat or natnetwork adapter and
// returns the live machine state alongside the adapter.
func (rt *Runtime) forwardNIC(ctx context.Context, vm string, slot int) (*vbox.VMInfo, *vbox.NIC, error) {
	info, err := rt.VBox.GetVMInfo(ctx, vm)
	if err != nil {
		return nil, nil, withVM(err, vm)
	}
	for i := range info.NICs {
		nic := &info.NICs[i]
		if nic.Slot != slot {
			continue
		}
		if nic.Mode != "nat" && nic.Mode != "natnetwork" {
			return nil, nil, contracts.New(contracts.ErrInvalidState,
				"adapter %d of VM %s is %s; port forwarding requires nat or natnetwork", slot, vm, nic.Mode).
				WithDetail("vm", vm).
				WithDetail("mode", nic.Mode)
		}
		return info, nic, nil
	}
	return nil, nil, contracts.New(contracts.ErrNotFound, "VM %s has no adapter in slot %d", vm, slot).
		WithDetail("vm", vm)
}

func (rt *Runtime) netAddForward(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a netForwardArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("rule_name", a.RuleName); err != nil {
		return nil, err
	}
	if a.Slot == 0 {
		a.Slot = 1
	}
	if err := tools.RequireRange("slot", a.Slot, 1, 8); err != nil {
		return nil, err
	}
	if a.Protocol == "" {
		a.Protocol = "tcp"
	}
	if err := tools.RequireOneOf("protocol", a.Protocol, "tcp", "udp"); err != nil {
		return nil, err
	}
	if err := tools.RequireRange("host_port", a.HostPort, 1, 65535); err != nil {
		return nil, err
	}
	if err := tools.RequireRange("guest_port", a.GuestPort, 1, 65535); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, nic, err := rt.forwardNIC(ctx, a.VMName, a.Slot)
	if err != nil {
		return nil, err
	}
	for _, pf := range nic.PortForwards {
		if pf.Name == a.RuleName {
			return nil, contracts.New(contracts.ErrAlreadyExists,
				"forwarding rule %s already exists on adapter %d", a.RuleName, a.Slot).
				WithDetail("vm", a.VMName)
		}
	}

	rule := vbox.PortForward{
		Name:      a.RuleName,
		Protocol:  a.Protocol,
		HostIP:    a.HostIP,
		HostPort:  a.HostPort,
		GuestIP:   a.GuestIP,
		GuestPort: a.GuestPort,
	}

	// NAT network rules live on the network itself and need the guest's IP
	// inside it; per-machine natpf rules can leave guest_ip empty.
	if nic.Mode == "natnetwork" {
		if err := tools.RequireString("guest_ip", a.GuestIP); err != nil {
			return nil, err
		}
		if err := rt.VBox.AddNATNetworkForward(ctx, nic.AttachmentTarget, rule); err != nil {
			return nil, withVM(err, a.VMName)
		}
		return &tools.Result{Data: map[string]any{
			"vm_name": a.VMName, "slot": a.Slot, "network_name": nic.AttachmentTarget, "rule": rule,
		}}, nil
	}

	if err := rt.VBox.AddPortForward(ctx, a.VMName, a.Slot, rule, info.State == vbox.StateRunning); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{"vm_name": a.VMName, "slot": a.Slot, "rule": rule}}, nil
}

type netRemoveForwardArgs struct {
	Action   string `json:"action"`
	VMName   string `json:"vm_name"`
	Slot     int    `json:"slot"`
	RuleName string `json:"rule_name"`
}

func (rt *Runtime) netRemoveForward(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a netRemoveForwardArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if err := tools.RequireString("rule_name", a.RuleName); err != nil {
		return nil, err
	}
	if a.Slot == 0 {
		a.Slot = 1
	}
	if err := tools.RequireRange("slot", a.Slot, 1, 8); err != nil {
		return nil, err
	}

	lease, err := rt.lockWrite(ctx, a.VMName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	info, nic, err := rt.forwardNIC(ctx, a.VMName, a.Slot)
	if err != nil {
		return nil, err
	}

	// Network rules are not visible in showvminfo, so only nat rules get the
	// local existence check; the natnetwork path relies on VBoxManage.
	if nic.Mode == "natnetwork" {
		if err := rt.VBox.RemoveNATNetworkForward(ctx, nic.AttachmentTarget, a.RuleName); err != nil {
			return nil, withVM(err, a.VMName)
		}
		return &tools.Result{Data: map[string]any{
			"vm_name": a.VMName, "slot": a.Slot, "network_name": nic.AttachmentTarget,
			"rule_name": a.RuleName, "removed": true,
		}}, nil
	}

	found := false
	for _, pf := range nic.PortForwards {
		if pf.Name == a.RuleName {
			found = true
		}
	}
	if !found {
		return nil, contracts.New(contracts.ErrNotFound,
			"forwarding rule %s not found on adapter %d of VM %s", a.RuleName, a.Slot, a.VMName).
			WithDetail("vm", a.VMName)
	}

	if err := rt.VBox.RemovePortForward(ctx, a.VMName, a.Slot, a.RuleName, info.State == vbox.StateRunning); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{"vm_name": a.VMName, "slot": a.Slot, "rule_name": a.RuleName, "removed": true}}, nil
}

func (rt *Runtime) netListForwards(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
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

	type slotRules struct {
		Slot  int                `json:"slot"`
		Rules []vbox.PortForward `json:"rules"`
	}
	out := []slotRules{}
	for _, nic := range info.NICs {
		if len(nic.PortForwards) > 0 {
			out = append(out, slotRules{Slot: nic.Slot, Rules: nic.PortForwards})
		}
	}
	return &tools.Result{Data: map[string]any{"vm_name": vm, "forwarding": out}}, nil
}

type netBandwidthArgs struct {
	Action    string `json:"action"`
	VMName    string `json:"vm_name"`
	Slot      int    `json:"slot"`
	LimitMbps *int   `json:"limit_mbps"`
}

func (rt *Runtime) netSetBandwidth(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a netBandwidthArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if a.Slot == 0 {
		a.Slot = 1
	}
	if err := tools.RequireRange("slot", a.Slot, 1, 8); err != nil {
		return nil, err
	}
	if a.LimitMbps == nil {
		return nil, contracts.New(contracts.ErrValidation, "limit_mbps is required (0 removes the limit)")
	}
	if *a.LimitMbps < 0 || *a.LimitMbps > 100000 {
		return nil, contracts.New(contracts.ErrValidation, "limit_mbps must be between 0 and 100000, got %d", *a.LimitMbps)
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

	if err := rt.VBox.SetBandwidthLimit(ctx, a.VMName, a.Slot, *a.LimitMbps, info.State == vbox.StateRunning); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{"vm_name": a.VMName, "slot": a.Slot, "limit_mbps": *a.LimitMbps}}, nil
}

type netPromiscArgs struct {
	Action string `json:"action"`
	VMName string `json:"vm_name"`
	Slot   int    `json:"slot"`
	Policy string `json:"policy"`
}

func (rt *Runtime) netSetPromisc(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var a netPromiscArgs
	if err := tools.Decode(args, &a); err != nil {
		return nil, err
	}
	if err := tools.RequireString("vm_name", a.VMName); err != nil {
		return nil, err
	}
	if a.Slot == 0 {
		a.Slot = 1
	}
	if err := tools.RequireRange("slot", a.Slot, 1, 8); err != nil {
		return nil, err
	}
	if err := tools.RequireOneOf("policy", a.Policy, "deny", "allow-vms", "allow-all"); err != nil {
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

	if err := rt.VBox.SetPromiscuousMode(ctx, a.VMName, a.Slot, a.Policy, info.State == vbox.StateRunning); err != nil {
		return nil, withVM(err, a.VMName)
	}
	return &tools.Result{Data: map[string]any{"vm_name": a.VMName, "slot": a.Slot, "policy": a.Policy}}, nil
}
