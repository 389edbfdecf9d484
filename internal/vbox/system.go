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
	"bytes"
	"context"
	"image/png"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/resilience"
)

// VersionInfo is the installed VirtualBox version.
type VersionInfo struct {
	Raw      string `json:"raw"`
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
}

// GetVersion returns the VBoxManage version. The raw form is "7.0.18r162988";
// the revision suffix is split off so the rest parses as semver.
func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	res, err := c.run(ctx, "--version")
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(res.Stdout)
	info := &VersionInfo{Raw: raw}

	version := raw
	if i := strings.IndexByte(raw, 'r'); i > 0 {
		version = raw[:i]
		info.Revision = raw[i+1:]
	}
	// Some builds append a suffix like "_Ubuntu" before the revision.
	if i := strings.IndexByte(version, '_'); i > 0 {
		version = version[:i]
	}

	v, perr := semver.Parse(version)
	if perr != nil {
		return nil, unparseable(errors.Wrapf(perr, "version %q", raw), "VBoxManage --version output", res.Stdout)
	}
	info.Version = v.String()
	return info, nil
}

// GetHostInfo returns the host's CPU and memory characteristics.
func (c *Client) GetHostInfo(ctx context.Context) (*HostInfo, error) {
	res, err := c.run(ctx, "list", "hostinfo")
	if err != nil {
		return nil, err
	}
	return parseHostInfo(res.Stdout)
}

// ListOSTypes returns the guest OS identifiers VirtualBox knows.
func (c *Client) ListOSTypes(ctx context.Context) ([]OSType, error) {
	res, err := c.run(ctx, "list", "ostypes")
	if err != nil {
		return nil, err
	}
	return parseOSTypes(res.Stdout), nil
}

// ScreenshotResult is a captured display frame.
type ScreenshotResult struct {
	PNG     []byte
	Width   int
	Height  int
	TakenAt time.Time
}

// TakeScreenshot captures the machine's display as PNG. VBoxManage only
// writes to a file, so the capture goes through a temp file that is removed
// before returning.
func (c *Client) TakeScreenshot(ctx context.Context, nameOrID string) (*ScreenshotResult, error) {
	tmp, err := os.CreateTemp("", "vboxmcp-screenshot-*.png")
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrHostError, err, "failed to create screenshot temp file")
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	if _, err := c.run(ctx, "controlvm", nameOrID, "screenshotpng", tmpName); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(tmpName)
	if err != nil {
		return nil, contracts.Wrap(contracts.ErrHostError, err, "failed to read screenshot")
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, unparseable(errors.Wrap(err, "decode png header"), "screenshot", "")
	}

	return &ScreenshotResult{
		PNG:     data,
		Width:   cfg.Width,
		Height:  cfg.Height,
		TakenAt: time.Now().UTC(),
	}, nil
}

// metricsSetup tracks the sampling period configured per VM. VirtualBox
// collects nothing until `metrics setup` runs for the object.
type metricsSetup struct {
	mu     sync.Mutex
	period map[string]int
}

var metricsEnabled = metricsSetup{period: make(map[string]int)}

// GetVMMetrics samples the runtime metrics for a running machine over the
// given window (rounded down to whole seconds, minimum 1 s). The first query
// per VM enables collection and VirtualBox needs a sampling period before
// data shows up, so early calls may return zeros. Queries retry on
// session-lock conflicts.
func (c *Client) GetVMMetrics(ctx context.Context, nameOrID string, window time.Duration) (*VMMetrics, error) {
	period := int(window / time.Second)
	if period < 1 {
		period = 1
	}

	metricsEnabled.mu.Lock()
	needSetup := metricsEnabled.period[nameOrID] != period
	metricsEnabled.mu.Unlock()

	if needSetup {
		if _, err := c.run(ctx, "metrics", "setup", "--period", strconv.Itoa(period), "--samples", "1", nameOrID); err != nil {
			return nil, err
		}
		metricsEnabled.mu.Lock()
		metricsEnabled.period[nameOrID] = period
		metricsEnabled.mu.Unlock()
	}

	var m *VMMetrics
	err := resilience.Retry(ctx, resilience.BusyRetryConfig(), func(ctx context.Context, _ int) error {
		res, err := c.run(ctx, "metrics", "query", nameOrID)
		if err != nil {
			return err
		}
		m, err = parseMetrics(res.Stdout)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
