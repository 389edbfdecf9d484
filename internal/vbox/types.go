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

import "time"

// VMState is the normalized machine state exposed to clients.
type VMState string

const (
	StatePoweredOff VMState = "poweredOff"
	StateSaved      VMState = "saved"
	StateAborted    VMState = "aborted"
	StateRunning    VMState = "running"
	StatePaused     VMState = "paused"
	StateStuck      VMState = "stuck"
	StateStarting   VMState = "starting"
	StateStopping   VMState = "stopping"
	StateRestoring  VMState = "restoring"
	StateUnknown    VMState = "unknown"
)

// stateFromVBox maps VBoxManage's VMState strings onto the normalized set.
func stateFromVBox(s string) VMState {
	switch s {
	case "poweroff":
		return StatePoweredOff
	case "saved":
		return StateSaved
	case "aborted", "aborted-saved":
		return StateAborted
	case "running":
		return StateRunning
	case "paused":
		return StatePaused
	case "gurumeditation", "stuck":
		return StateStuck
	case "starting":
		return StateStarting
	case "stopping", "saving":
		return StateStopping
	case "restoring":
		return StateRestoring
	default:
		return StateUnknown
	}
}

// Stopped reports whether the state allows cold mutations (modifyvm etc).
func (s VMState) Stopped() bool {
	return s == StatePoweredOff || s == StateAborted || s == StateSaved
}

// VMSummary is the cheap listing record.
type VMSummary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	State      VMState  `json:"state"`
	OSType     string   `json:"os_type"`
	MemoryMB   int      `json:"memory_mb"`
	CPUs       int      `json:"cpus"`
	GroupPaths []string `json:"group_paths"`
}

// VMInfo is the full machine record assembled from showvminfo.
type VMInfo struct {
	VMSummary

	Description string              `json:"description,omitempty"`
	Firmware    string              `json:"firmware"`
	Chipset     string              `json:"chipset,omitempty"`
	VRAMMB      int                 `json:"vram_mb,omitempty"`
	CfgFile     string              `json:"cfg_file,omitempty"`
	NICs        []NIC               `json:"nics"`
	Controllers []StorageController `json:"storage_controllers"`
}

// NIC is one network adapter slot (1..8).
type NIC struct {
	Slot             int           `json:"slot"`
	Enabled          bool          `json:"enabled"`
	Mode             string        `json:"mode"`
	AdapterType      string        `json:"adapter_type,omitempty"`
	MAC              string        `json:"mac,omitempty"`
	CableConnected   bool          `json:"cable_connected"`
	AttachmentTarget string        `json:"attachment_target,omitempty"`
	PortForwards     []PortForward `json:"port_forwards,omitempty"`
}

// PortForward is one NAT forwarding rule. Name is unique per NIC.
type PortForward struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	HostIP    string `json:"host_ip,omitempty"`
	HostPort  int    `json:"host_port"`
	GuestIP   string `json:"guest_ip,omitempty"`
	GuestPort int    `json:"guest_port"`
}

// StorageController is one controller with its attachments.
type StorageController struct {
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	PortCount   int              `json:"port_count"`
	Bootable    bool             `json:"bootable"`
	Attachments []DiskAttachment `json:"attachments,omitempty"`
}

// DiskAttachment keys a medium by (controller, port, device).
type DiskAttachment struct {
	Controller string `json:"controller_name"`
	Port       int    `json:"port"`
	Device     int    `json:"device"`
	MediumPath string `json:"medium_path"`
	MediumType string `json:"medium_type"` // hdd, dvd, floppy
}

// Snapshot is a node in a VM's snapshot tree.
type Snapshot struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Children    []*Snapshot `json:"children,omitempty"`
}

// SnapshotTree is the full tree plus the current head.
type SnapshotTree struct {
	Root        *Snapshot `json:"root,omitempty"`
	CurrentID   string    `json:"current_id,omitempty"`
	CurrentName string    `json:"current_name,omitempty"`
}

// FindByName walks the tree looking for a snapshot by name.
func (t *SnapshotTree) FindByName(name string) *Snapshot {
	var walk func(s *Snapshot) *Snapshot
	walk = func(s *Snapshot) *Snapshot {
		if s == nil {
			return nil
		}
		if s.Name == name {
			return s
		}
		for _, c := range s.Children {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(t.Root)
}

// HostOnlyNetwork mirrors one host-only interface.
type HostOnlyNetwork struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Netmask     string `json:"netmask"`
	DHCPEnabled bool   `json:"dhcp_enabled"`
}

// NATNetwork mirrors one NAT network.
type NATNetwork struct {
	Name        string `json:"name"`
	Network     string `json:"network"`
	Enabled     bool   `json:"enabled"`
	DHCPEnabled bool   `json:"dhcp_enabled"`
}

// HostInfo describes the host VirtualBox runs on.
type HostInfo struct {
	CPUCount          int    `json:"cpu_count"`
	CPUOnlineCount    int    `json:"cpu_online_count"`
	MemorySizeMB      int    `json:"memory_size_mb"`
	MemoryAvailableMB int    `json:"memory_available_mb"`
	OperatingSystem   string `json:"operating_system"`
	OSVersion         string `json:"os_version"`
}

// OSType is one VirtualBox-known guest OS identifier.
type OSType struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Is64Bit     bool   `json:"is_64_bit"`
}

// VMMetrics is one sample of the runtime metrics VirtualBox reports.
type VMMetrics struct {
	CPUPct          float64 `json:"cpu_pct"`
	MemoryUsedMB    int     `json:"memory_used_mb"`
	MemoryBalloonMB int     `json:"memory_balloon_mb"`
	DiskReadBps     int64   `json:"disk_read_bps"`
	DiskWriteBps    int64   `json:"disk_write_bps"`
	NetRxBps        int64   `json:"net_rx_bps"`
	NetTxBps        int64   `json:"net_tx_bps"`
}

// CreateSpec carries the arguments for createvm + initial modifyvm.
type CreateSpec struct {
	Name       string
	OSType     string
	MemoryMB   int
	CPUs       int
	Firmware   string // bios or efi, empty = VirtualBox default
	Chipset    string
	BaseFolder string
}

// CloneSpec carries the arguments for clonevm.
type CloneSpec struct {
	Source   string
	NewName  string
	Linked   bool
	Snapshot string // required when Linked
}

// ControllerSpec carries the arguments for storagectl --add.
type ControllerSpec struct {
	Name           string
	Type           string // ide, sata, scsi, sas, nvme, floppy, usb
	PortCount      int
	Bootable       bool
	UseHostIOCache bool
}

// AttachSpec carries the arguments for storageattach.
type AttachSpec struct {
	Controller string
	Port       int
	Device     int
	MediumPath string // path, UUID, "emptydrive" or "none"
	MediumType string // hdd, dvd, floppy
	ReadOnly   bool
}

// MediumSpec carries the arguments for createmedium.
type MediumSpec struct {
	Path    string
	SizeMB  int64
	Format  string // vdi, vhd, vmdk
	Variant string // standard, fixed, split2g, diff
	Parent  string // required for diff
}

// NICSpec is the whitelisted modifynic surface.
type NICSpec struct {
	Slot             int
	Mode             string // none, nat, natnetwork, bridged, intnet, hostonly, generic
	AdapterType      string
	MAC              string // 12 hex chars or "auto"
	CableConnected   *bool
	AttachmentTarget string
}

// HostOnlySpec carries the arguments for hostonlyif create + ipconfig.
type HostOnlySpec struct {
	IP          string
	Netmask     string
	DHCPEnabled bool
	DHCPLower   string
	DHCPUpper   string
}

// ExportOptions carries the arguments for export.
type ExportOptions struct {
	Format      string // ovf10, ovf20; empty = default
	Manifest    bool
	Description string
}

// ImportOptions carries the arguments for import.
type ImportOptions struct {
	VMName string // rename on import, empty = keep
}

// GuestCredentials authenticate guest-control operations.
type GuestCredentials struct {
	Username string
	Password string
}

// GuestExecResult is the outcome of a command run inside the guest.
type GuestExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"-"`
}

// ModifySpec is the whitelisted modifyvm patch surface. Nil fields are left
// untouched.
type ModifySpec struct {
	MemoryMB         *int
	CPUs             *int
	Description      *string
	Firmware         *string
	NestedVirt       *bool
	ParavirtProvider *string
}

// Empty reports whether the patch would change nothing.
func (m ModifySpec) Empty() bool {
	return m.MemoryMB == nil && m.CPUs == nil && m.Description == nil &&
		m.Firmware == nil && m.NestedVirt == nil && m.ParavirtProvider == nil
}
