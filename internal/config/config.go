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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Config holds all recognized configuration for the virtualization-mcp server.
// Keys match the documented configuration surface; anything else in the file
// is ignored.
type Config struct {
	// VBoxManagePath overrides the VBoxManage binary path. Empty means
	// resolve via VBOXMANAGE_PATH env, then the platform default.
	VBoxManagePath string `yaml:"vboxmanage_path"`

	// MaxParallelVBoxManage caps concurrently running VBoxManage subprocesses.
	MaxParallelVBoxManage int `yaml:"max_parallel_vboxmanage"`

	// SessionTTLSeconds is the session inactivity TTL.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`

	// SessionCleanupIntervalSeconds is the session sweep interval.
	SessionCleanupIntervalSeconds int `yaml:"session_cleanup_interval_seconds"`

	// ConnectionPoolMaxSize is the global guest-connection pool cap.
	ConnectionPoolMaxSize int `yaml:"connection_pool_max_size"`

	// ConnectionIdleTTLSeconds is the pooled connection idle TTL.
	ConnectionIdleTTLSeconds int `yaml:"connection_idle_ttl_seconds"`

	// ConnectionMaxUsage is the number of uses before a connection is recycled.
	ConnectionMaxUsage int `yaml:"connection_max_usage"`

	// ConnectionAcquireWaitSeconds bounds how long an acquire blocks for a
	// free slot when the pool is full.
	ConnectionAcquireWaitSeconds int `yaml:"connection_acquire_wait_seconds"`

	// ConnectionPoolCleanupIntervalSeconds is the pool sweep interval.
	ConnectionPoolCleanupIntervalSeconds int `yaml:"connection_pool_cleanup_interval_seconds"`

	// JobResultTTLSeconds is how long terminal job results are retained.
	JobResultTTLSeconds int `yaml:"job_result_ttl_seconds"`

	// GracefulStopTimeoutSeconds bounds the ACPI power-button stop wait.
	GracefulStopTimeoutSeconds int `yaml:"graceful_stop_timeout_seconds"`

	// DefaultOperationTimeoutSeconds is the per-call adapter deadline.
	DefaultOperationTimeoutSeconds int `yaml:"default_operation_timeout_seconds"`

	// LongOperationTimeoutSeconds is the clone/export/snapshot-delete deadline.
	LongOperationTimeoutSeconds int `yaml:"long_operation_timeout_seconds"`

	// ShutdownTimeoutSeconds bounds graceful shutdown of in-flight handlers.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	// BackupDir is where backup directories and their sidecar metadata live.
	BackupDir string `yaml:"backup_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is json or console.
	LogFormat string `yaml:"log_format"`
}

// DefaultConfig returns a default configuration with env fallbacks applied.
func DefaultConfig() *Config {
	return &Config{
		VBoxManagePath:                       getEnvWithDefault("VBOXMANAGE_PATH", ""),
		MaxParallelVBoxManage:                8,
		SessionTTLSeconds:                    3600,
		SessionCleanupIntervalSeconds:        300,
		ConnectionPoolMaxSize:                20,
		ConnectionIdleTTLSeconds:             300,
		ConnectionMaxUsage:                   100,
		ConnectionAcquireWaitSeconds:         5,
		ConnectionPoolCleanupIntervalSeconds: 60,
		JobResultTTLSeconds:                  1800,
		GracefulStopTimeoutSeconds:           60,
		DefaultOperationTimeoutSeconds:       30,
		LongOperationTimeoutSeconds:          1800,
		ShutdownTimeoutSeconds:               30,
		BackupDir:                            defaultBackupDir(),
		LogLevel:                             getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat:                            getEnvWithDefault("LOG_FORMAT", "json"),
	}
}

func defaultBackupDir() string {
	if home := os.Getenv("VBOX_USER_HOME"); home != "" {
		return filepath.Join(home, "backups")
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "backups"
	}
	return filepath.Join(userHome, ".virtualization-mcp", "backups")
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.MaxParallelVBoxManage < 1 {
		return fmt.Errorf("max_parallel_vboxmanage must be >= 1, got %d", c.MaxParallelVBoxManage)
	}
	if c.ConnectionPoolMaxSize < 1 {
		return fmt.Errorf("connection_pool_max_size must be >= 1, got %d", c.ConnectionPoolMaxSize)
	}
	if c.SessionTTLSeconds < 1 {
		return fmt.Errorf("session_ttl_seconds must be >= 1, got %d", c.SessionTTLSeconds)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	return nil
}

// SessionTTL returns the session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// SessionCleanupInterval returns the session sweep interval as a duration.
func (c *Config) SessionCleanupInterval() time.Duration {
	return time.Duration(c.SessionCleanupIntervalSeconds) * time.Second
}

// ConnectionIdleTTL returns the pooled connection idle TTL as a duration.
func (c *Config) ConnectionIdleTTL() time.Duration {
	return time.Duration(c.ConnectionIdleTTLSeconds) * time.Second
}

// ConnectionAcquireWait returns the pool acquire wait bound as a duration.
func (c *Config) ConnectionAcquireWait() time.Duration {
	return time.Duration(c.ConnectionAcquireWaitSeconds) * time.Second
}

// ConnectionPoolCleanupInterval returns the pool sweep interval as a duration.
func (c *Config) ConnectionPoolCleanupInterval() time.Duration {
	return time.Duration(c.ConnectionPoolCleanupIntervalSeconds) * time.Second
}

// JobResultTTL returns the terminal job retention as a duration.
func (c *Config) JobResultTTL() time.Duration {
	return time.Duration(c.JobResultTTLSeconds) * time.Second
}

// GracefulStopTimeout returns the graceful stop wait as a duration.
func (c *Config) GracefulStopTimeout() time.Duration {
	return time.Duration(c.GracefulStopTimeoutSeconds) * time.Second
}

// OperationTimeout returns the default per-call adapter deadline.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.DefaultOperationTimeoutSeconds) * time.Second
}

// LongOperationTimeout returns the clone/export/snapshot-delete deadline.
func (c *Config) LongOperationTimeout() time.Duration {
	return time.Duration(c.LongOperationTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Manager manages configuration with hot-reload capability
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	watchers []chan *Config
	watcher  *fsnotify.Watcher
	file     string
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	config := DefaultConfig()

	if configFile != "" {
		if err := loadFromFile(configFile, config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	manager := &Manager{
		config:   config,
		watchers: make([]chan *Config, 0),
		file:     configFile,
	}

	if configFile != "" {
		if err := manager.setupFileWatcher(); err != nil {
			// Configuration is still usable without hot reload.
			fmt.Fprintf(os.Stderr, "warning: failed to setup config file watcher: %v\n", err)
		}
	}

	return manager, nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch returns a channel that receives configuration updates
func (m *Manager) Watch() <-chan *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Config, 1)
	m.watchers = append(m.watchers, ch)

	// Send current config immediately
	ch <- m.config

	return ch
}

// Update updates the configuration and notifies watchers
func (m *Manager) Update(config *Config) {
	m.mu.Lock()
	m.config = config
	watchers := make([]chan *Config, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, watcher := range watchers {
		select {
		case watcher <- config:
		default:
			// Channel is full, skip this update
		}
	}
}

// Close closes the configuration manager and cleans up resources
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, watcher := range m.watchers {
		close(watcher)
	}
	m.watchers = nil

	if m.watcher != nil {
		return m.watcher.Close()
	}

	return nil
}

// setupFileWatcher sets up file system notification for config changes
func (m *Manager) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					m.reloadConfig()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "config file watcher error: %v\n", err)
			}
		}
	}()

	return watcher.Add(m.file)
}

// reloadConfig reloads configuration from file
func (m *Manager) reloadConfig() {
	config := DefaultConfig()
	if err := loadFromFile(m.file, config); err != nil {
		fmt.Fprintf(os.Stderr, "error reloading config: %v\n", err)
		return
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error reloading config: %v\n", err)
		return
	}

	m.Update(config)
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, config)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
