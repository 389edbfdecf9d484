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

// Package vbox wraps the VBoxManage CLI behind typed operations. Every call
// shells out to a VBoxManage subprocess; a weighted semaphore caps how many
// run at once so a burst of tool calls cannot fork-bomb the host.
package vbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"github.com/projectbeskar/virtualization-mcp/internal/contracts"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/logging"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/metrics"
)

const (
	// termGrace is how long a timed-out subprocess gets between SIGTERM
	// and SIGKILL.
	termGrace = 5 * time.Second

	// maxCapturedOutput bounds stdout/stderr capture per invocation.
	maxCapturedOutput = 8 << 20
)

// Options configures a Client.
type Options struct {
	// Path is the explicit VBoxManage binary path. Empty means resolve via
	// the VBOXMANAGE_PATH environment variable, then the platform default.
	Path string

	// MaxParallel caps concurrently running VBoxManage subprocesses.
	MaxParallel int

	// DefaultTimeout applies when RunOptions carries no timeout.
	DefaultTimeout time.Duration

	Logger logr.Logger
}

// Client runs VBoxManage subprocesses. It is safe for concurrent use.
type Client struct {
	path           string
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	log            logr.Logger
}

// NewClient resolves the VBoxManage binary and returns a ready client. A
// missing binary is a config error: the server refuses to start without it.
func NewClient(opts Options) (*Client, error) {
	path, err := Locate(opts.Path)
	if err != nil {
		return nil, err
	}

	if opts.MaxParallel < 1 {
		opts.MaxParallel = 8
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}

	log := opts.Logger
	if log.GetSink() == nil {
		log = logging.Root()
	}

	return &Client{
		path:           path,
		sem:            semaphore.NewWeighted(int64(opts.MaxParallel)),
		defaultTimeout: opts.DefaultTimeout,
		log:            log.WithName("vbox"),
	}, nil
}

// Locate resolves the VBoxManage binary: explicit path, then VBOXMANAGE_PATH,
// then PATH, then well-known install locations.
func Locate(explicit string) (string, error) {
	candidates := make([]string, 0, 4)
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if env := os.Getenv("VBOXMANAGE_PATH"); env != "" {
		candidates = append(candidates, env)
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	if len(candidates) > 0 {
		// An explicitly configured path that does not exist is an error,
		// not a fallthrough: silently picking a different binary than the
		// operator asked for would be worse.
		return "", contracts.New(contracts.ErrConfig, "VBoxManage not found at configured path %q", candidates[0])
	}

	if p, err := exec.LookPath("VBoxManage"); err == nil {
		return p, nil
	}

	for _, c := range platformDefaults() {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}

	return "", contracts.New(contracts.ErrConfig, "VBoxManage not found in PATH; set vboxmanage_path or VBOXMANAGE_PATH")
}

func platformDefaults() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files\Oracle\VirtualBox\VBoxManage.exe`,
			`C:\Program Files (x86)\Oracle\VirtualBox\VBoxManage.exe`,
		}
	case "darwin":
		return []string{"/usr/local/bin/VBoxManage", "/Applications/VirtualBox.app/Contents/MacOS/VBoxManage"}
	default:
		return []string{"/usr/bin/VBoxManage", "/usr/local/bin/VBoxManage"}
	}
}

// Path returns the resolved VBoxManage binary path.
func (c *Client) Path() string { return c.path }

// RunOptions tunes one invocation.
type RunOptions struct {
	// Timeout overrides the client default. Zero means use the default.
	Timeout time.Duration

	// Stdin is piped to the subprocess when non-empty (guest exec input).
	Stdin string
}

// ExecResult is the raw outcome of one VBoxManage invocation.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Run executes VBoxManage with the given arguments. Waiting for a subprocess
// slot counts against the deadline; a subprocess still running at the deadline
// is sent SIGTERM and, after a short grace, SIGKILL. Failed runs return a
// classified error alongside the captured result.
func (c *Client) Run(ctx context.Context, args []string, opts RunOptions) (*ExecResult, error) {
	verb := "unknown"
	if len(args) > 0 {
		verb = args[0]
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		metrics.RecordInvocation(verb, "timeout", 0)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, contracts.Wrap(contracts.ErrCancelled, err, "VBoxManage %s cancelled while queued", verb)
		}
		return nil, contracts.Wrap(contracts.ErrTimeout, err, "timed out waiting for a VBoxManage slot")
	}
	defer c.sem.Release(1)

	metrics.InvocationStarted()
	defer metrics.InvocationFinished()

	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Cancel = func() error {
		// Give VBoxManage a chance to release its machine lock cleanly.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buf: &stdout, max: maxCapturedOutput}
	cmd.Stderr = &cappedWriter{buf: &stderr, max: maxCapturedOutput}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	log := logging.FromContext(ctx).WithName("vbox")
	log.V(1).Info("running VBoxManage", "verb", verb, "args", logging.RedactString(strings.Join(args, " ")))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &ExecResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case runErr == nil:
		metrics.RecordInvocation(verb, "success", elapsed)
		return result, nil

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.RecordInvocation(verb, "timeout", elapsed)
		log.Info("VBoxManage timed out", "verb", verb, "timeout", timeout.String())
		return result, contracts.New(contracts.ErrTimeout, "VBoxManage %s exceeded %s deadline", verb, timeout).
			WithDetail("verb", verb).
			WithDetail("timeout_seconds", int(timeout.Seconds()))

	case errors.Is(ctx.Err(), context.Canceled):
		metrics.RecordInvocation(verb, "cancelled", elapsed)
		return result, contracts.New(contracts.ErrCancelled, "VBoxManage %s cancelled", verb).WithDetail("verb", verb)
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		// The subprocess never ran (fork/exec failure).
		metrics.RecordInvocation(verb, "error", elapsed)
		return result, contracts.Wrap(contracts.ErrHostError, runErr, "failed to start VBoxManage")
	}

	cerr := classifyStderr(verb, result.ExitCode, result.Stderr)
	metrics.RecordInvocation(verb, string(cerr.Kind), elapsed)
	log.V(1).Info("VBoxManage failed", "verb", verb, "exitCode", result.ExitCode, "kind", string(cerr.Kind))
	return result, cerr
}

// run is the common path for typed verbs: no stdin, default timeout unless
// the caller installed a longer one on the context.
func (c *Client) run(ctx context.Context, args ...string) (*ExecResult, error) {
	return c.Run(ctx, args, RunOptions{})
}

// runLong is for operations that legitimately take minutes (clone, export,
// snapshot delete with media merging).
func (c *Client) runLong(ctx context.Context, timeout time.Duration, args ...string) (*ExecResult, error) {
	return c.Run(ctx, args, RunOptions{Timeout: timeout})
}

// cappedWriter discards everything past max so a chatty subprocess cannot
// balloon memory.
type cappedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if remaining := w.max - w.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
