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
	"strings"
	"time"
)

// GetSnapshotTree returns the snapshot tree for a machine. A machine without
// snapshots yields an empty tree, not an error.
func (c *Client) GetSnapshotTree(ctx context.Context, nameOrID string) (*SnapshotTree, error) {
	res, err := c.run(ctx, "snapshot", nameOrID, "list", "--machinereadable")
	if err != nil {
		if res == nil {
			return nil, err
		}
		// VBoxManage exits non-zero for "does not have any snapshots" on
		// some versions; treat that as an empty tree.
		if strings.Contains(res.Stderr, "does not have any snapshots") ||
			strings.Contains(res.Stdout, "does not have any snapshots") {
			return &SnapshotTree{}, nil
		}
		return nil, err
	}
	if strings.Contains(res.Stdout, "does not have any snapshots") {
		return &SnapshotTree{}, nil
	}
	return parseSnapshotTree(res.Stdout)
}

// TakeSnapshot creates a snapshot. Live (running VM) snapshots include the
// machine's memory state; VirtualBox decides online vs offline itself.
func (c *Client) TakeSnapshot(ctx context.Context, nameOrID, name, description string) error {
	args := []string{"snapshot", nameOrID, "take", name}
	if description != "" {
		args = append(args, "--description", description)
	}
	_, err := c.run(ctx, args...)
	return err
}

// DeleteSnapshot deletes a snapshot by name or UUID. Deleting merges disk
// deltas into neighbors, so this is a long operation.
func (c *Client) DeleteSnapshot(ctx context.Context, nameOrID, snapshot string, timeout time.Duration) error {
	_, err := c.runLong(ctx, timeout, "snapshot", nameOrID, "delete", snapshot)
	return err
}

// RestoreSnapshot restores the machine to a snapshot by name or UUID. The
// machine must be stopped.
func (c *Client) RestoreSnapshot(ctx context.Context, nameOrID, snapshot string) error {
	_, err := c.run(ctx, "snapshot", nameOrID, "restore", snapshot)
	return err
}

// RestoreCurrentSnapshot restores the machine to its current snapshot.
func (c *Client) RestoreCurrentSnapshot(ctx context.Context, nameOrID string) error {
	_, err := c.run(ctx, "snapshot", nameOrID, "restorecurrent")
	return err
}
