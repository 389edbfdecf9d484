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

// virtualization-mcp is an MCP server managing VirtualBox machines through
// VBoxManage. It speaks MCP over stdio; an optional HTTP listener serves
// health and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/projectbeskar/virtualization-mcp/internal/backup"
	"github.com/projectbeskar/virtualization-mcp/internal/config"
	"github.com/projectbeskar/virtualization-mcp/internal/handlers"
	"github.com/projectbeskar/virtualization-mcp/internal/jobs"
	"github.com/projectbeskar/virtualization-mcp/internal/locks"
	"github.com/projectbeskar/virtualization-mcp/internal/mcp"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/logging"
	"github.com/projectbeskar/virtualization-mcp/internal/obs/metrics"
	"github.com/projectbeskar/virtualization-mcp/internal/pool"
	"github.com/projectbeskar/virtualization-mcp/internal/session"
	"github.com/projectbeskar/virtualization-mcp/internal/tools"
	"github.com/projectbeskar/virtualization-mcp/internal/vbox"
	"github.com/projectbeskar/virtualization-mcp/internal/version"
)

// Exit codes: 0 clean shutdown, 1 fatal startup error (missing binary,
// unreadable config), 2 unrecoverable runtime error.
const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

var (
	configFile     string
	httpAddr       string
	logLevel       string
	logFormat      string
	vboxManagePath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "virtualization-mcp",
		Short:        "MCP server for VirtualBox",
		Long:         "virtualization-mcp exposes VirtualBox VM, network, storage, snapshot, and host management as MCP tools over stdio.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			os.Exit(run(cmd.Context()))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (watched for changes)")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "", "Listen address for health and metrics endpoints (empty = disabled)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log format (json|console)")
	rootCmd.PersistentFlags().StringVar(&vboxManagePath, "vboxmanage", "", "Override path to the VBoxManage binary")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version.String())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitStartup)
	}
}

func run(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgManager, err := config.NewManager(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitStartup
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if vboxManagePath != "" {
		cfg.VBoxManagePath = vboxManagePath
	}

	// All logs go to stderr; stdout belongs to the MCP stream.
	if err := logging.Setup(&logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitStartup
	}
	log := logging.Root().WithName("virtualization-mcp")
	metrics.RecordBuildInfo(version.Version, version.GitSHA)

	client, err := vbox.NewClient(vbox.Options{
		Path:           cfg.VBoxManagePath,
		MaxParallel:    cfg.MaxParallelVBoxManage,
		DefaultTimeout: cfg.OperationTimeout(),
		Logger:         log.WithName("vbox"),
	})
	if err != nil {
		log.Error(err, "VBoxManage is not usable")
		return exitStartup
	}

	store, err := backup.NewStore(cfg.BackupDir)
	if err != nil {
		log.Error(err, "backup store is not usable", "dir", cfg.BackupDir)
		return exitStartup
	}

	engine := jobs.NewEngine(jobs.Config{
		ResultTTL:     cfg.JobResultTTL(),
		SweepInterval: time.Minute,
		Logger:        log.WithName("jobs"),
	})

	sessions := session.NewManager(session.Config{
		TTL:           cfg.SessionTTL(),
		SweepInterval: cfg.SessionCleanupInterval(),
		OnExpire:      engine.CancelBySession,
		Logger:        log.WithName("session"),
	})

	channelPool := pool.New(pool.Config{
		MaxSize:       cfg.ConnectionPoolMaxSize,
		IdleTTL:       cfg.ConnectionIdleTTL(),
		MaxUsage:      cfg.ConnectionMaxUsage,
		AcquireWait:   cfg.ConnectionAcquireWait(),
		SweepInterval: cfg.ConnectionPoolCleanupInterval(),
		Logger:        log.WithName("pool"),
	})

	rt := &handlers.Runtime{
		VBox:     client,
		Locks:    locks.NewRegistry(),
		Pool:     channelPool,
		Sessions: sessions,
		Jobs:     engine,
		Backups:  store,
		Config:   cfgManager.Get,
		Log:      log.WithName("handlers"),
	}
	registry := tools.NewRegistry(sessions, log)
	handlers.RegisterAll(registry, rt)

	// Hot reload only affects the log level; structural settings need a
	// restart.
	go func() {
		for updated := range cfgManager.Watch() {
			if updated != nil {
				logging.SetLevel(updated.LogLevel)
			}
		}
	}()

	var httpServer *http.Server
	httpErr := make(chan error, 1)
	if httpAddr != "" {
		httpServer = newHTTPServer(httpAddr, client)
		go func() {
			log.Info("http listener started", "addr", httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	server := &mcp.Server{
		Registry: registry,
		Sessions: sessions,
		Name:     "virtualization-mcp",
		Version:  version.Version,
		Log:      log.WithName("mcp"),
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, os.Stdin, os.Stdout)
	}()

	log.Info("server started", "version", version.String())

	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error(err, "stdio loop failed")
			code = exitRuntime
		}
	case err := <-httpErr:
		log.Error(err, "http listener failed")
		code = exitRuntime
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "http shutdown failed")
		}
	}
	engine.Close()
	channelPool.Close()
	sessions.Close()

	log.Info("shutdown complete")
	return code
}

// newHTTPServer serves liveness, readiness, and Prometheus metrics. Readiness
// probes VBoxManage so orchestration notices a broken installation.
func newHTTPServer(addr string, client *vbox.Client) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if _, err := client.GetVersion(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "VBoxManage unavailable: %v\n", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
