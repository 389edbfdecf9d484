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

package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Build information
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vboxmcp_build_info",
			Help: "Build information for the virtualization-mcp server",
		},
		[]string{"version", "git_sha", "go_version"},
	)

	// Tool call metrics
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vboxmcp_tool_calls_total",
			Help: "Total number of tool calls by tool, action, and outcome",
		},
		[]string{"tool", "action", "outcome"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vboxmcp_tool_call_duration_seconds",
			Help:    "Duration of tool calls by tool and action",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"tool", "action"},
	)

	// VBoxManage subprocess metrics
	adapterInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vboxmcp_vboxmanage_invocations_total",
			Help: "Total number of VBoxManage invocations by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	adapterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vboxmcp_vboxmanage_duration_seconds",
			Help:    "Duration of VBoxManage invocations by verb",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
		[]string{"verb"},
	)

	adapterInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vboxmcp_vboxmanage_inflight",
			Help: "Currently running VBoxManage subprocesses",
		},
	)

	// Job metrics
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vboxmcp_jobs_total",
			Help: "Total number of jobs by kind and terminal state",
		},
		[]string{"kind", "state"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vboxmcp_jobs_running",
			Help: "Currently running jobs",
		},
	)

	// Pool and session gauges
	pooledConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vboxmcp_pooled_connections",
			Help: "Connections currently held in the guest-command pool",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vboxmcp_active_sessions",
			Help: "Live client sessions",
		},
	)
)

// RecordBuildInfo records build information metrics
func RecordBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA, runtime.Version()).Set(1)
}

// RecordToolCall records a completed tool call
func RecordToolCall(tool, action, outcome string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, action, outcome).Inc()
	toolCallDuration.WithLabelValues(tool, action).Observe(duration.Seconds())
}

// RecordInvocation records a completed VBoxManage subprocess run
func RecordInvocation(verb, outcome string, duration time.Duration) {
	adapterInvocationsTotal.WithLabelValues(verb, outcome).Inc()
	adapterDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// InvocationStarted marks a VBoxManage subprocess as in flight
func InvocationStarted() { adapterInflight.Inc() }

// InvocationFinished marks a VBoxManage subprocess as done
func InvocationFinished() { adapterInflight.Dec() }

// RecordJobFinished records a job reaching a terminal state
func RecordJobFinished(kind, state string) {
	jobsTotal.WithLabelValues(kind, state).Inc()
}

// JobStarted marks a job as running
func JobStarted() { jobsRunning.Inc() }

// JobFinished marks a running job as done
func JobFinished() { jobsRunning.Dec() }

// SetPooledConnections updates the pool gauge
func SetPooledConnections(n int) { pooledConnections.Set(float64(n)) }

// SetActiveSessions updates the session gauge
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }
