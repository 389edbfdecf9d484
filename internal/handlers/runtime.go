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

// Package handlers implements the portmanteau tools. Each handler owns one
// tool, validates per-action arguments strictly, takes the right VM lease,
// and maps adapter results into client-visible records.
package handlers

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/projectbeskar/virtualization-mcp/internal/backup"
	"github.com/projectbeskar/virtualization-mcp/internal/config"
	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/jobs"
	"github.com/projectbeskar/virtualization-mcp/internal/locks"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/logging"
	"github.com/projectbeskar/virtualization-mcp/internal/pool"
	"github.com/projectbeskar/virtualization-mcp/internal/session"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
)

// Runtime bundles everything handlers need. One instance serves the whole
// process.
type Runtime struct {
	VBox     vbox.API
	Locks    *locks.Registry
	Pool     *pool.Pool
	Sessions *session.Manager
	Jobs     *jobs.Engine
	Backups  *backup.Store
	Config   func() *config.Config
	Log      logr.Logger
}

// RegisterAll wires every tool into the registry.
func RegisterAll(reg *tools.Registry, rt *Runtime) {
	reg.Register(rt.vmTool())
	reg.Register(rt.networkTool())
	reg.Register(rt.storageTool())
	reg.Register(rt.snapshotTool())
	reg.Register(rt.systemTool())
	reg.Register(rt.backupTool())
	for _, t := range rt.metaTools() {
		reg.Register(t)
	}
}

func (rt *Runtime) cfg() *config.Config {
	return rt.Config()
}

// lockWrite takes the exclusive lease handlers hold across mutations.
func (rt *Runtime) lockWrite(ctx context.Context, vm string) (*locks.Lease, error) {
	return rt.Locks.Acquire(ctx, vm, false, rt.cfg().OperationTimeout())
}

// lockRead takes a shared lease for reads.
func (rt *Runtime) lockRead(ctx context.Context, vm string) (*locks.Lease, error) {
	return rt.Locks.Acquire(ctx, vm, true, rt.cfg().OperationTimeout())
}

// requireState loads the VM and checks its state against the allowed set.
// Handlers call this before mutations so illegal transitions fail with
// invalid_state instead of a VirtualBox error salad.
func (rt *Runtime) requireState(ctx context.Context, vm string, allowed ...vbox.VMState) (*vbox.VMInfo, error) {
	info, err := rt.VBox.GetVMInfo(ctx, vm)
	if err != nil {
		return nil, withVM(err, vm)
	}
	for _, s := range allowed {
		if info.State == s {
			return info, nil
		}
	}
	return nil, contracts.New(contracts.ErrInvalidState,
		"VM %s is %s; operation requires %s", vm, info.State, stateList(allowed)).
		WithDetail("vm", vm).
		WithDetail("state", string(info.State))
}

func stateList(states []vbox.VMState) string {
	out := ""
	for i, s := range states {
		if i > 0 {
			out += " or "
		}
		out += string(s)
	}
	return out
}

// withVM attaches the VM name to an error's details without changing its kind.
func withVM(err error, vm string) error {
	if ce := contracts.AsError(err); ce != nil {
		return ce.WithDetail("vm", vm)
	}
	return err
}

// markAmbiguous annotates timeout errors from mutations: after a hard kill
// VirtualBox may or may not have committed, and the client must know that.
func markAmbiguous(err error) error {
	if contracts.IsKind(err, contracts.ErrTimeout) {
		return contracts.AsError(err).WithDetail("committed", "unknown")
	}
	return err
}

// sessionID pulls the client session from context, empty when absent.
func sessionID(ctx context.Context) string {
	if v := ctx.Value(logging.SessionKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
