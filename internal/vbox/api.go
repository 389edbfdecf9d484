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
	"time"
)

// API is the full typed surface of the adapter. Handlers depend on this
// interface rather than *Client so tests can substitute a fake hypervisor.
type API interface {
	// Machine lifecycle
	ListVMs(ctx context.Context) ([]VMSummary, error)
	ListRunningVMs(ctx context.Context) ([]VMSummary, error)
	GetVMInfo(ctx context.Context, nameOrID string) (*VMInfo, error)
	CreateVM(ctx context.Context, spec CreateSpec) (*VMInfo, error)
	ModifyVM(ctx context.Context, nameOrID string, spec ModifySpec) error
	DeleteVM(ctx context.Context, nameOrID string, deleteFiles bool) error
	CloneVM(ctx context.Context, spec CloneSpec, timeout time.Duration) error
	StartVM(ctx context.Context, nameOrID string, gui bool) error
	StopVM(ctx context.Context, nameOrID string, graceful bool, gracefulWait time.Duration) error
	PauseVM(ctx context.Context, nameOrID string) error
	ResumeVM(ctx context.Context, nameOrID string) error
	ResetVM(ctx context.Context, nameOrID string) error
	SaveState(ctx context.Context, nameOrID string) error
	DiscardState(ctx context.Context, nameOrID string) error
	WaitForState(ctx context.Context, nameOrID string, wait time.Duration, targets ...VMState) error
	ExportVM(ctx context.Context, nameOrID, outputPath string, opts ExportOptions, timeout time.Duration) error
	ImportVM(ctx context.Context, appliancePath string, opts ImportOptions, timeout time.Duration) error

	// Networking
	ListHostOnlyNetworks(ctx context.Context) ([]HostOnlyNetwork, error)
	CreateHostOnlyNetwork(ctx context.Context, spec HostOnlySpec) (*HostOnlyNetwork, error)
	RemoveHostOnlyNetwork(ctx context.Context, name string) error
	ListNATNetworks(ctx context.Context) ([]NATNetwork, error)
	CreateNATNetwork(ctx context.Context, name, cidr string, dhcp bool) error
	RemoveNATNetwork(ctx context.Context, name string) error
	SetNIC(ctx context.Context, nameOrID string, spec NICSpec) error
	SetLinkState(ctx context.Context, nameOrID string, slot int, connected bool) error
	AddPortForward(ctx context.Context, nameOrID string, slot int, rule PortForward, running bool) error
	RemovePortForward(ctx context.Context, nameOrID string, slot int, ruleName string, running bool) error
	AddNATNetworkForward(ctx context.Context, netName string, rule PortForward) error
	RemoveNATNetworkForward(ctx context.Context, netName, ruleName string) error
	SetPromiscuousMode(ctx context.Context, nameOrID string, slot int, policy string, running bool) error
	SetBandwidthLimit(ctx context.Context, nameOrID string, slot int, limitMbps int, running bool) error

	// Storage
	AddController(ctx context.Context, nameOrID string, spec ControllerSpec) error
	RemoveController(ctx context.Context, nameOrID, controllerName string) error
	AttachMedium(ctx context.Context, nameOrID string, spec AttachSpec) error
	DetachMedium(ctx context.Context, nameOrID, controllerName string, port, device int) error
	CreateMedium(ctx context.Context, spec MediumSpec) (*MediumInfo, error)
	CloneMedium(ctx context.Context, srcPathOrUUID, dstPath, format string, timeout time.Duration) error
	DeleteMedium(ctx context.Context, pathOrUUID string) error
	ResizeMedium(ctx context.Context, pathOrUUID string, sizeMB int64) error
	GetMediumInfo(ctx context.Context, pathOrUUID string) (*MediumInfo, error)
	ListHardDisks(ctx context.Context) ([]MediumInfo, error)

	// Snapshots
	GetSnapshotTree(ctx context.Context, nameOrID string) (*SnapshotTree, error)
	TakeSnapshot(ctx context.Context, nameOrID, name, description string) error
	DeleteSnapshot(ctx context.Context, nameOrID, snapshot string, timeout time.Duration) error
	RestoreSnapshot(ctx context.Context, nameOrID, snapshot string) error
	RestoreCurrentSnapshot(ctx context.Context, nameOrID string) error

	// Host and system
	GetVersion(ctx context.Context) (*VersionInfo, error)
	GetHostInfo(ctx context.Context) (*HostInfo, error)
	ListOSTypes(ctx context.Context) ([]OSType, error)
	GetVMMetrics(ctx context.Context, nameOrID string, window time.Duration) (*VMMetrics, error)
	TakeScreenshot(ctx context.Context, nameOrID string) (*ScreenshotResult, error)

	// Guest control
	GuestExec(ctx context.Context, nameOrID string, creds GuestCredentials, exe string, args []string, timeout time.Duration) (*GuestExecResult, error)
	GuestCopyTo(ctx context.Context, nameOrID string, creds GuestCredentials, hostPath, guestPath string, timeout time.Duration) error
	GuestCopyFrom(ctx context.Context, nameOrID string, creds GuestCredentials, guestPath, hostPath string, timeout time.Duration) error
}

var _ API = (*Client)(nil)
