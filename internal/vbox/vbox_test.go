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
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
)

// stubVBoxManage writes a shell script that plays VBoxManage for the runner
// tests: real subprocess, canned behavior.
func stubVBoxManage(t *testing.T) *Client {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub script requires a POSIX shell")
	}

	script := `#!/bin/sh
case "$1" in
  list)
    echo '"web-01" {5b2e99b3-0a38-4a58-a3a6-0d26e34a4d6a}'
    ;;
  showvminfo)
    echo 'name="web-01"'
    echo 'UUID="5b2e99b3-0a38-4a58-a3a6-0d26e34a4d6a"'
    echo 'VMState="poweroff"'
    echo 'memory=2048'
    echo 'cpus=1'
    ;;
  startvm)
    echo "VBoxManage: error: Could not find a registered machine named 'ghost'" >&2
    exit 1
    ;;
  clonevm)
    sleep 30
    ;;
esac
exit 0
`
	path := filepath.Join(t.TempDir(), "VBoxManage")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	c, err := NewClient(Options{Path: path, MaxParallel: 2, DefaultTimeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestRunSuccess(t *testing.T) {
	c := stubVBoxManage(t)

	res, err := c.Run(context.Background(), []string{"list", "vms"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "web-01")
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRunClassifiesFailure(t *testing.T) {
	c := stubVBoxManage(t)

	res, err := c.Run(context.Background(), []string{"startvm", "ghost"}, RunOptions{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrNotFound))
	require.NotNil(t, res)
	assert.Equal(t, 1, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	c := stubVBoxManage(t)

	start := time.Now()
	_, err := c.Run(context.Background(), []string{"clonevm", "web-01"}, RunOptions{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrTimeout))
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestRunCancelled(t *testing.T) {
	c := stubVBoxManage(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := c.Run(ctx, []string{"clonevm", "web-01"}, RunOptions{})
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrCancelled))
}

func TestGetVMInfoViaStub(t *testing.T) {
	c := stubVBoxManage(t)

	info, err := c.GetVMInfo(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, "web-01", info.Name)
	assert.Equal(t, StatePoweredOff, info.State)
	assert.Equal(t, 2048, info.MemoryMB)
}

func TestLocateExplicitMissing(t *testing.T) {
	_, err := Locate(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrConfig))
}

func TestLocateExplicitPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "VBoxManage")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	got, err := Locate(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestCappedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &cappedWriter{buf: &buf, max: 8}

	n, err := w.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n) // reports full write so the subprocess never blocks
	assert.Equal(t, "01234567", buf.String())

	_, err = w.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, "01234567", buf.String())
}
