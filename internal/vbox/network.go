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
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/logging"
)

// ListHostOnlyNetworks returns the host-only interfaces.
func (c *Client) ListHostOnlyNetworks(ctx context.Context) ([]HostOnlyNetwork, error) {
	res, err := c.run(ctx, "list", "hostonlyifs")
	if err != nil {
		return nil, err
	}
	return parseHostOnlyIfs(res.Stdout), nil
}

// CreateHostOnlyNetwork creates a host-only interface, configures its IP and
// optionally a DHCP server. VirtualBox picks the interface name; it is parsed
// from the create output ("Interface 'vboxnet1' was successfully created").
func (c *Client) CreateHostOnlyNetwork(ctx context.Context, spec HostOnlySpec) (*HostOnlyNetwork, error) {
	res, err := c.run(ctx, "hostonlyif", "create")
	if err != nil {
		return nil, err
	}
	name, err := parseCreatedInterfaceName(res.Stdout)
	if err != nil {
		return nil, unparseable(err, "hostonlyif create output", res.Stdout)
	}

	if spec.IP != "" {
		args := []string{"hostonlyif", "ipconfig", name, "--ip", spec.IP}
		if spec.Netmask != "" {
			args = append(args, "--netmask", spec.Netmask)
		}
		if _, err := c.run(ctx, args...); err != nil {
			return nil, err
		}
	}

	if spec.DHCPEnabled {
		args := []string{"dhcpserver", "add", "--ifname", name,
			"--ip", spec.IP, "--netmask", spec.Netmask,
			"--lowerip", spec.DHCPLower, "--upperip", spec.DHCPUpper,
			"--enable"}
		if _, err := c.run(ctx, args...); err != nil {
			return nil, err
		}
	}

	return &HostOnlyNetwork{
		Name:        name,
		IP:          spec.IP,
		Netmask:     spec.Netmask,
		DHCPEnabled: spec.DHCPEnabled,
	}, nil
}

func parseCreatedInterfaceName(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		start := strings.Index(line, "'")
		if start < 0 {
			continue
		}
		end := strings.Index(line[start+1:], "'")
		if end < 0 {
			continue
		}
		return line[start+1 : start+1+end], nil
	}
	return "", errors.New("no interface name in create output")
}

// RemoveHostOnlyNetwork removes a host-only interface and its DHCP server if
// one exists.
func (c *Client) RemoveHostOnlyNetwork(ctx context.Context, name string) error {
	// A missing DHCP server is the common case; best effort only.
	if _, err := c.run(ctx, "dhcpserver", "remove", "--ifname", name); err != nil && !IsNotFound(err) {
		logging.FromContext(ctx).WithName("vbox").V(1).Info("dhcpserver remove failed", "interface", name, "error", err.Error())
	}
	_, err := c.run(ctx, "hostonlyif", "remove", name)
	return err
}

// ListNATNetworks returns the configured NAT networks.
func (c *Client) ListNATNetworks(ctx context.Context) ([]NATNetwork, error) {
	res, err := c.run(ctx, "natnetwork", "list")
	if err != nil {
		return nil, err
	}
	return parseNATNetworks(res.Stdout), nil
}

// CreateNATNetwork creates and enables a NAT network.
func (c *Client) CreateNATNetwork(ctx context.Context, name, cidr string, dhcp bool) error {
	args := []string{"natnetwork", "add", "--netname", name, "--network", cidr, "--enable"}
	if dhcp {
		args = append(args, "--dhcp", "on")
	}
	_, err := c.run(ctx, args...)
	return err
}

// RemoveNATNetwork removes a NAT network.
func (c *Client) RemoveNATNetwork(ctx context.Context, name string) error {
	_, err := c.run(ctx, "natnetwork", "remove", "--netname", name)
	return err
}

// SetNIC configures one network adapter slot on a stopped machine.
func (c *Client) SetNIC(ctx context.Context, nameOrID string, spec NICSpec) error {
	slot := strconv.Itoa(spec.Slot)
	args := []string{"modifyvm", nameOrID, "--nic" + slot, spec.Mode}

	switch spec.Mode {
	case "bridged":
		args = append(args, "--bridgeadapter"+slot, spec.AttachmentTarget)
	case "hostonly":
		args = append(args, "--hostonlyadapter"+slot, spec.AttachmentTarget)
	case "intnet":
		args = append(args, "--intnet"+slot, spec.AttachmentTarget)
	case "natnetwork":
		args = append(args, "--nat-network"+slot, spec.AttachmentTarget)
	}

	if spec.AdapterType != "" {
		args = append(args, "--nictype"+slot, spec.AdapterType)
	}
	if spec.MAC != "" {
		args = append(args, "--macaddress"+slot, spec.MAC)
	}
	if spec.CableConnected != nil {
		args = append(args, "--cableconnected"+slot, onOff(*spec.CableConnected))
	}

	_, err := c.run(ctx, args...)
	return err
}

// SetLinkState toggles a NIC's virtual cable on a running machine.
func (c *Client) SetLinkState(ctx context.Context, nameOrID string, slot int, connected bool) error {
	state := "off"
	if connected {
		state = "on"
	}
	_, err := c.run(ctx, "controlvm", nameOrID, "setlinkstate"+strconv.Itoa(slot), state)
	return err
}

// AddPortForward adds a NAT forwarding rule. Running machines use the
// controlvm variant, which takes effect immediately; stopped machines use
// modifyvm.
func (c *Client) AddPortForward(ctx context.Context, nameOrID string, slot int, rule PortForward, running bool) error {
	spec := fmt.Sprintf("%s,%s,%s,%d,%s,%d",
		rule.Name, rule.Protocol, rule.HostIP, rule.HostPort, rule.GuestIP, rule.GuestPort)

	var err error
	if running {
		_, err = c.run(ctx, "controlvm", nameOrID, "natpf"+strconv.Itoa(slot), spec)
	} else {
		_, err = c.run(ctx, "modifyvm", nameOrID, "--natpf"+strconv.Itoa(slot), spec)
	}
	return err
}

// AddNATNetworkForward adds an IPv4 forwarding rule on a NAT network. Network
// rules live on the network, not the machine, and apply immediately.
func (c *Client) AddNATNetworkForward(ctx context.Context, netName string, rule PortForward) error {
	spec := fmt.Sprintf("%s:%s:[%s]:%d:[%s]:%d",
		rule.Name, rule.Protocol, rule.HostIP, rule.HostPort, rule.GuestIP, rule.GuestPort)
	_, err := c.run(ctx, "natnetwork", "modify", "--netname", netName, "--port-forward-4", spec)
	return err
}

// RemoveNATNetworkForward deletes a NAT network forwarding rule by name.
func (c *Client) RemoveNATNetworkForward(ctx context.Context, netName, ruleName string) error {
	_, err := c.run(ctx, "natnetwork", "modify", "--netname", netName, "--port-forward-4", "delete", ruleName)
	return err
}

// SetPromiscuousMode sets a NIC's promiscuous policy (deny, allow-vms,
// allow-all). Running machines take it live via controlvm.
func (c *Client) SetPromiscuousMode(ctx context.Context, nameOrID string, slot int, policy string, running bool) error {
	var err error
	if running {
		_, err = c.run(ctx, "controlvm", nameOrID, "nicpromisc"+strconv.Itoa(slot), policy)
	} else {
		_, err = c.run(ctx, "modifyvm", nameOrID, "--nicpromisc"+strconv.Itoa(slot), policy)
	}
	return err
}

// SetBandwidthLimit caps a NIC's throughput. A per-slot bandwidth group is
// created (or updated) and bound to the adapter; limitMbps 0 removes the cap.
// Binding a group to a NIC requires a stopped machine; updating an existing
// group's limit works live.
func (c *Client) SetBandwidthLimit(ctx context.Context, nameOrID string, slot int, limitMbps int, running bool) error {
	group := "nic" + strconv.Itoa(slot)

	if limitMbps <= 0 {
		if !running {
			if _, err := c.run(ctx, "modifyvm", nameOrID, "--nicbandwidthgroup"+strconv.Itoa(slot), "none"); err != nil {
				return err
			}
		}
		_, err := c.run(ctx, "bandwidthctl", nameOrID, "remove", group)
		if err != nil && IsNotFound(err) {
			return nil
		}
		return err
	}

	limit := strconv.Itoa(limitMbps) + "m"
	if running {
		_, err := c.run(ctx, "bandwidthctl", nameOrID, "set", group, "--limit", limit)
		return err
	}

	if _, err := c.run(ctx, "bandwidthctl", nameOrID, "add", group, "--type", "network", "--limit", limit); err != nil {
		if !contracts.IsKind(err, contracts.ErrAlreadyExists) {
			return err
		}
		if _, err := c.run(ctx, "bandwidthctl", nameOrID, "set", group, "--limit", limit); err != nil {
			return err
		}
	}
	_, err := c.run(ctx, "modifyvm", nameOrID, "--nicbandwidthgroup"+strconv.Itoa(slot), group)
	return err
}

// RemovePortForward deletes a NAT forwarding rule by name.
func (c *Client) RemovePortForward(ctx context.Context, nameOrID string, slot int, ruleName string, running bool) error {
	var err error
	if running {
		_, err = c.run(ctx, "controlvm", nameOrID, "natpf"+strconv.Itoa(slot), "delete", ruleName)
	} else {
		_, err = c.run(ctx, "modifyvm", nameOrID, "--natpf"+strconv.Itoa(slot), "delete", ruleName)
	}
	return err
}
