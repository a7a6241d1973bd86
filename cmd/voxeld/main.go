// Command voxeld is the headless voxel-editing daemon: a unix-socket
// JSON-RPC front end, a bounded work queue, and a fixed worker pool that
// serialize every request through a single project lock.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"voxeld/internal/cli"
	"voxeld/internal/config"
	"voxeld/internal/engine"
	"voxeld/internal/handlers"
	"voxeld/internal/lifecycle"
	"voxeld/internal/logging"
	"voxeld/internal/metrics"
	"voxeld/internal/notify"
	"voxeld/internal/project"
	"voxeld/internal/queue"
	"voxeld/internal/rendercache"
	"voxeld/internal/rpc"
	"voxeld/internal/transport"
	"voxeld/internal/workerpool"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "voxeld:", err)
		return cli.ExitUsageError
	}

	switch {
	case cfg.ShowHelp:
		printUsage()
		return cli.ExitSuccess
	case cfg.ShowVersion:
		fmt.Println("voxeld", version)
		return cli.ExitSuccess
	case cfg.ShowStatus:
		code, msg := cli.New(cfg.PIDFile).Status()
		fmt.Println(msg)
		return code
	case cfg.ShowStop:
		code, msg := cli.New(cfg.PIDFile).Stop()
		fmt.Println(msg)
		return code
	case cfg.ShowReload:
		code, msg := cli.New(cfg.PIDFile).Reload()
		fmt.Println(msg)
		return code
	}

	if cfg.Daemonize && !lifecycle.IsDaemonizedChild() {
		if err := lifecycle.Daemonize(cfg.WorkingDir); err != nil {
			fmt.Fprintln(os.Stderr, "voxeld: daemonize:", err)
			return cli.ExitRuntimeError
		}
		// unreachable in the parent: Daemonize exits it directly.
	}

	log, err := logging.New(logging.Options{Development: !cfg.Daemonize, Level: "info", File: cfg.LogFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "voxeld: logger:", err)
		return cli.ExitRuntimeError
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.RenderDir, 0755); err != nil {
		log.Error("create render dir", zap.Error(err))
		return cli.ExitRuntimeError
	}
	if err := os.MkdirAll(filepath.Dir(cfg.PIDFile), 0755); err != nil {
		log.Warn("create pid dir", zap.Error(err))
	}

	sup := lifecycle.New(cfg.PIDFile, time.Duration(cfg.ShutdownTimeoutMS)*time.Millisecond, log)

	q := queue.New(queue.Options{
		MaxSize:      cfg.QueueSize,
		PriorityMode: cfg.PriorityQueue,
	})

	lock := project.New(5*time.Second, 100*time.Millisecond)

	hub := notify.New(log)

	cache := rendercache.New(rendercache.Options{
		Dir:          cfg.RenderDir,
		TTL:          time.Duration(cfg.RenderTTL) * time.Second,
		MaxCacheSize: cfg.RenderMaxSize,
		Publisher:    hub,
	})
	cache.StartJanitor(60)

	srv, err := transport.New(transport.Options{
		SocketPath:     cfg.SocketPath,
		MaxConnections: int32(cfg.MaxConnections),
		MaxMessageSize: cfg.MaxMessageSize,
		Backlog:        128,
	}, q, log)
	if err != nil {
		log.Error("bind socket", zap.Error(err))
		return cli.ExitRuntimeError
	}

	dispatcher := rpc.NewDispatcher()
	rpc.RegisterBuiltins(dispatcher, version, sup)
	handlers.Register(dispatcher, cache, hub, srv)
	srv.OnClose(hub.UnsubscribeClient)

	var reg *prometheus.Registry
	var gauges *metrics.Gauges
	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		gauges = metrics.NewGauges(reg)
		metricsSrv, err = metrics.NewServer(cfg.MetricsAddr, reg, log)
		if err != nil {
			log.Error("start metrics server", zap.Error(err))
			return cli.ExitRuntimeError
		}
		metricsSrv.Start()
	}

	// eng stands in for the out-of-scope engine loader: a real build
	// would hand the worker pool whatever engine.Context an external
	// loader produced for the project named on the command line.
	eng := engine.NullContext{Name: "default"}

	var rec workerpool.Recorder
	if gauges != nil {
		rec = gauges
	}
	pool := workerpool.New(cfg.Workers, q, lock, dispatcher, srv, log, eng, rec)

	if gauges != nil {
		go reportMetricsLoop(sup.Done(), q, cache, srv, pool, gauges)
	}

	timeoutSweep := time.NewTicker(time.Second)
	go func() {
		defer timeoutSweep.Stop()
		for {
			select {
			case <-sup.Done():
				return
			case <-timeoutSweep.C:
				if n := q.HandleTimeouts(); n > 0 {
					log.Debug("swept timed-out requests", zap.Int("count", n))
				}
			}
		}
	}()

	if err := sup.Start(); err != nil {
		log.Error("start supervisor", zap.Error(err))
		return cli.ExitRuntimeError
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	srv.Start(ctx)

	sup.OnReload(func() {
		log.Info("reload signal received")
		if _, err := config.Load(args); err != nil {
			log.Warn("reload: config reload failed, keeping current settings", zap.Error(err))
		}
	})

	if cfg.ConfigFile != "" {
		stopWatch, err := config.WatchFile(cfg.ConfigFile, cfg, log, func(updated config.Config) {
			log.Info("config file changed",
				zap.Int("workers", updated.Workers),
				zap.Int("render_ttl_seconds", updated.RenderTTL),
			)
		})
		if err != nil {
			log.Warn("config file watch disabled", zap.Error(err))
		} else {
			sup.OnShutdown(func(context.Context) error {
				stopWatch()
				return nil
			})
		}
	}

	sup.OnShutdown(func(shutdownCtx context.Context) error {
		log.Info("graceful shutdown starting")
		srv.Stop()
		cancel()
		pool.DrainAll()
		q.Shutdown()
		pool.Wait()
		cache.Stop()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	log.Info("voxeld started",
		zap.String("socket", cfg.SocketPath),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.String("render_dir", cfg.RenderDir),
	)

	<-sup.Done()
	srv.Wait()
	log.Info("voxeld stopped")
	return cli.ExitSuccess
}

func reportMetricsLoop(done <-chan struct{}, q *queue.Queue, cache *rendercache.Cache, srv *transport.Server, pool *workerpool.Pool, g *metrics.Gauges) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			qs := q.Stats()
			g.QueueDepth.Set(float64(qs.Size))
			g.ConnectionsOpen.Set(float64(srv.ActiveConnections()))
			cs := cache.Stats()
			g.RenderCacheCount.Set(float64(cs.LiveCount))
			g.RenderCacheBytes.Set(float64(cs.LiveBytes))
			ps := pool.Stats()
			g.WorkersActive.Set(float64(ps.Busy))
			g.WorkersIdle.Set(float64(ps.Idle))
		}
	}
}

func printUsage() {
	fmt.Println(`voxeld - headless voxel-editing daemon

Usage:
  voxeld [flags]

Flags:
  -daemonize            run in the background
  -foreground           run attached to the controlling terminal (default)
  -pid-file PATH        path to the PID file
  -socket PATH          path to the listening unix socket
  -config PATH          optional JSON config file
  -log-file PATH        log file path (empty = stderr)
  -working-dir PATH     working directory after daemonizing
  -workers N            worker pool size (1-64)
  -queue-size N         work queue capacity (1-65536)
  -max-connections N    maximum concurrent client connections
  -priority-queue       enable priority-ordered dequeue
  -status               report whether an instance is running and exit
  -stop                 stop a running instance and exit
  -reload               signal a running instance to reload and exit
  -help                 print this message and exit
  -version              print version and exit`)
}
