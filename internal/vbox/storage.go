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
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MediumInfo describes one registered disk image.
type MediumInfo struct {
	UUID         string `json:"uuid"`
	Path         string `json:"path"`
	Format       string `json:"format"`
	SizeMB       int64  `json:"size_mb"`
	ActualSizeMB int64  `json:"actual_size_mb"`
	Parent       string `json:"parent,omitempty"`
	State        string `json:"state,omitempty"`
}

// AddController adds a storage controller to a stopped machine.
func (c *Client) AddController(ctx context.Context, nameOrID string, spec ControllerSpec) error {
	args := []string{"storagectl", nameOrID, "--name", spec.Name, "--add", spec.Type}
	if spec.PortCount > 0 {
		args = append(args, "--portcount", strconv.Itoa(spec.PortCount))
	}
	args = append(args, "--bootable", onOff(spec.Bootable))
	if spec.UseHostIOCache {
		args = append(args, "--hostiocache", "on")
	}
	_, err := c.run(ctx, args...)
	return err
}

// RemoveController removes a storage controller and everything attached to it.
func (c *Client) RemoveController(ctx context.Context, nameOrID, controllerName string) error {
	_, err := c.run(ctx, "storagectl", nameOrID, "--name", controllerName, "--remove")
	return err
}

// AttachMedium attaches a medium at (controller, port, device).
func (c *Client) AttachMedium(ctx context.Context, nameOrID string, spec AttachSpec) error {
	args := []string{"storageattach", nameOrID,
		"--storagectl", spec.Controller,
		"--port", strconv.Itoa(spec.Port),
		"--device", strconv.Itoa(spec.Device),
		"--type", spec.MediumType,
		"--medium", spec.MediumPath,
	}
	if spec.ReadOnly && spec.MediumType == "hdd" {
		args = append(args, "--mtype", "readonly")
	}
	_, err := c.run(ctx, args...)
	return err
}

// DetachMedium detaches whatever occupies (controller, port, device).
func (c *Client) DetachMedium(ctx context.Context, nameOrID, controllerName string, port, device int) error {
	_, err := c.run(ctx, "storageattach", nameOrID,
		"--storagectl", controllerName,
		"--port", strconv.Itoa(port),
		"--device", strconv.Itoa(device),
		"--medium", "none",
	)
	return err
}

// CreateMedium creates a new disk image.
func (c *Client) CreateMedium(ctx context.Context, spec MediumSpec) (*MediumInfo, error) {
	args := []string{"createmedium", "disk", "--filename", spec.Path,
		"--size", strconv.FormatInt(spec.SizeMB, 10)}
	if spec.Format != "" {
		args = append(args, "--format", strings.ToUpper(spec.Format))
	}
	if spec.Variant != "" {
		args = append(args, "--variant", spec.Variant)
	}
	if spec.Parent != "" {
		args = append(args, "--diffparent", spec.Parent)
	}

	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	// "Medium created. UUID: 9a8f..." on success.
	uuid, perr := parseCreatedMediumUUID(res.Stdout)
	if perr != nil {
		return nil, unparseable(perr, "createmedium output", res.Stdout)
	}
	return &MediumInfo{UUID: uuid, Path: spec.Path, Format: spec.Format, SizeMB: spec.SizeMB}, nil
}

func parseCreatedMediumUUID(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		if _, after, found := strings.Cut(line, "UUID:"); found {
			if uuid := strings.TrimSpace(after); uuid != "" {
				return uuid, nil
			}
		}
	}
	return "", errors.New("no UUID in createmedium output")
}

// CloneMedium copies a disk image. Copying is proportional to disk size, so
// callers pass a long deadline.
func (c *Client) CloneMedium(ctx context.Context, srcPathOrUUID, dstPath, format string, timeout time.Duration) error {
	args := []string{"clonemedium", "disk", srcPathOrUUID, dstPath}
	if format != "" {
		args = append(args, "--format", strings.ToUpper(format))
	}
	_, err := c.runLong(ctx, timeout, args...)
	return err
}

// DeleteMedium unregisters a disk image and deletes the backing file.
func (c *Client) DeleteMedium(ctx context.Context, pathOrUUID string) error {
	_, err := c.run(ctx, "closemedium", "disk", pathOrUUID, "--delete")
	return err
}

// ResizeMedium grows a disk image. VirtualBox cannot shrink; it rejects
// smaller sizes itself.
func (c *Client) ResizeMedium(ctx context.Context, pathOrUUID string, sizeMB int64) error {
	_, err := c.run(ctx, "modifymedium", "disk", pathOrUUID, "--resize", strconv.FormatInt(sizeMB, 10))
	return err
}

// GetMediumInfo returns details for one disk image.
func (c *Client) GetMediumInfo(ctx context.Context, pathOrUUID string) (*MediumInfo, error) {
	res, err := c.run(ctx, "showmediuminfo", "disk", pathOrUUID)
	if err != nil {
		return nil, err
	}

	blocks := parseInfoBlocks(res.Stdout)
	props := make(map[string]string)
	for _, b := range blocks {
		for k, v := range b {
			props[k] = v
		}
	}
	if props["UUID"] == "" && props["Location"] == "" {
		return nil, unparseable(errors.New("no UUID or Location in output"), "showmediuminfo output", res.Stdout)
	}

	return &MediumInfo{
		UUID:         props["UUID"],
		Path:         props["Location"],
		Format:       props["Storage format"],
		SizeMB:       parseSizeMB(props["Capacity"]),
		ActualSizeMB: parseSizeMB(props["Size on disk"]),
		Parent:       props["Parent UUID"],
		State:        props["State"],
	}, nil
}

// parseSizeMB parses "10240 MBytes" style values.
func parseSizeMB(raw string) int64 {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ListHardDisks returns all registered disk images.
func (c *Client) ListHardDisks(ctx context.Context) ([]MediumInfo, error) {
	res, err := c.run(ctx, "list", "hdds")
	if err != nil {
		return nil, err
	}

	var disks []MediumInfo
	for _, block := range parseInfoBlocks(res.Stdout) {
		uuid, ok := block["UUID"]
		if !ok {
			continue
		}
		parent := block["Parent UUID"]
		if parent == "base" {
			parent = ""
		}
		disks = append(disks, MediumInfo{
			UUID:         uuid,
			Path:         block["Location"],
			Format:       block["Storage format"],
			SizeMB:       parseSizeMB(block["Capacity"]),
			ActualSizeMB: parseSizeMB(block["Size on disk"]),
			Parent:       parent,
			State:        block["State"],
		})
	}
	return disks, nil
}
