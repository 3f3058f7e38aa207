package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wezterm-parallel/core/internal/alert"
	"github.com/wezterm-parallel/core/internal/broadcast"
	"github.com/wezterm-parallel/core/internal/config"
	"github.com/wezterm-parallel/core/internal/history"
	"github.com/wezterm-parallel/core/internal/history/factory"
	"github.com/wezterm-parallel/core/internal/ipc"
	"github.com/wezterm-parallel/core/internal/logging"
	"github.com/wezterm-parallel/core/internal/metrics"
	"github.com/wezterm-parallel/core/internal/process"
	"github.com/wezterm-parallel/core/internal/registry"
	"github.com/wezterm-parallel/core/internal/store"
	"github.com/wezterm-parallel/core/internal/supervisor"
	"github.com/wezterm-parallel/core/internal/task"
	"github.com/wezterm-parallel/core/internal/template"
	"github.com/wezterm-parallel/core/internal/tlsutil"
)

const version = "0.1.0"

// daemonOptions carries the CLI flag overrides into daemon construction.
type daemonOptions struct {
	configPath string
	logLevel   string
	socket     string
	wsPort     int
}

// daemon is the assembled set of long-running components the command
// serves until its context is canceled.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	tasks      *task.Queue
	templates  *template.Registry
	sampler    *metrics.Sampler
	hub        *broadcast.Hub
	ipcServer  *ipc.Server
	httpServer *http.Server
}

func newDaemon(opts daemonOptions) (*daemon, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.socket != "" {
		cfg.Socket = opts.socket
	}
	if opts.wsPort != 0 {
		cfg.WSPort = opts.wsPort
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.DataDir)

	var sink history.Sink
	if cfg.History != nil && cfg.History.Enabled {
		sink, err = factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
	}

	hub := broadcast.New(broadcast.WithQueueDepth(cfg.BroadcasterQueueDepth), broadcast.WithLogger(logger))

	wsStore := store.NewWorkspaceStore(cfg.WorkspacesFile())
	reg := registry.New(wsStore)
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load workspaces: %w", err)
	}

	taskStore := store.NewTaskStore(cfg.TasksFile())
	tasks := task.New(taskStore, cfg.TaskCancelTimeout())
	tasks.SetBroadcaster(hub)
	if err := tasks.Load(); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	alerts := alert.NewRing(50)
	probes := process.NewProbeRegistry()
	sup := supervisor.New(reg, probes, alerts, sink, hub, cfg.MaxProcessesPerWorkspace, cfg.HealthCheckInterval())

	templates := template.New(filepath.Join(cfg.DataDir, "templates"))

	sampler := metrics.New(sup, hub, cfg.MetricsInterval())
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics collectors: %w", err)
	}

	ipcServer := ipc.New(cfg.Socket,
		ipc.WithDeadline(5*time.Second),
		ipc.WithSendBufferCap(cfg.PerClientSendBytes),
		ipc.WithLogger(logger),
		ipc.WithVersion(version),
	)
	ipc.RegisterWorkspaceHandlers(ipcServer, reg)
	ipc.RegisterProcessHandlers(ipcServer, sup)
	ipc.RegisterTaskHandlers(ipcServer, tasks)
	ipc.RegisterTemplateHandlers(ipcServer, templates)
	ipc.RegisterMetricsHandlers(ipcServer, sampler)

	var tlsCfg *tls.Config
	if cfg.TLS != nil {
		loaded, err := tlsutil.Load(tlsutil.Config{Enabled: cfg.TLS.Enabled, CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile})
		if err != nil {
			return nil, fmt.Errorf("load tls config: %w", err)
		}
		tlsCfg = loaded
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	router.GET("/ws", gin.WrapH(hub))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	httpServer := &http.Server{
		Addr:      fmt.Sprintf(":%d", cfg.WSPort),
		Handler:   router,
		TLSConfig: tlsCfg,
	}

	return &daemon{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		supervisor: sup,
		tasks:      tasks,
		templates:  templates,
		sampler:    sampler,
		hub:        hub,
		ipcServer:  ipcServer,
		httpServer: httpServer,
	}, nil
}

// Run starts every background component and blocks until ctx is canceled,
// then stops the sampler, the health loop, the dashboard HTTP server and
// the IPC server.
func (d *daemon) Run(ctx context.Context) error {
	d.logger.Info("starting wptld", "version", version, "socket", d.cfg.Socket, "ws_port", d.cfg.WSPort)

	d.supervisor.StartHealthLoop()
	d.sampler.Start()

	serveErr := make(chan error, 2)
	go func() {
		if err := d.ipcServer.Serve(ctx); err != nil {
			serveErr <- fmt.Errorf("ipc server: %w", err)
		}
	}()
	go func() {
		if err := d.tasks.Run(ctx, d.cfg.MaxConcurrentTasks, runTaskPayload); err != nil && !errors.Is(err, context.Canceled) {
			serveErr <- fmt.Errorf("task queue: %w", err)
		}
	}()
	go func() {
		var err error
		if d.httpServer.TLSConfig != nil {
			err = d.httpServer.ListenAndServeTLS("", "")
		} else {
			err = d.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("dashboard http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		d.shutdown()
		return err
	}

	d.shutdown()
	return nil
}

func (d *daemon) shutdown() {
	d.sampler.Stop()
	d.supervisor.StopHealthLoop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.httpServer.Shutdown(shutdownCtx)
	_ = d.ipcServer.Close()

	d.logger.Info("wptld stopped")
}

// runTaskPayload is the Task Queue's worker: payloads are opaque to the
// core, so the only guaranteed behavior is observing cancellation promptly.
// A real deployment would dispatch on the payload's own shape here.
func runTaskPayload(ctx context.Context, _ task.Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
