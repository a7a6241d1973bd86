// Package config assembles the daemon's configuration from CLI flags,
// environment variables, an optional .env file (github.com/joho/godotenv,
// matching the app server's .env-sourced APP_JWT_SECRET convention), and an
// optional JSON config file, plus WatchFile, which reports changes to that
// file via github.com/fsnotify/fsnotify.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every daemon tunable settable from flags, the
// environment, or a config file.
type Config struct {
	Daemonize      bool
	PIDFile        string
	SocketPath     string
	ConfigFile     string
	LogFile        string
	WorkingDir     string
	User           string
	Group          string

	Workers          int
	QueueSize        int
	MaxConnections   int
	PriorityQueue    bool
	MaxMessageSize   uint32
	ShutdownTimeoutMS int

	RenderDir     string
	RenderTTL     int
	RenderMaxSize int64

	MetricsAddr string

	ShowStatus  bool
	ShowStop    bool
	ShowReload  bool
	ShowHelp    bool
	ShowVersion bool
}

// Default returns the daemon's baseline configuration before flags,
// env, or a config file are applied.
func Default() Config {
	return Config{
		PIDFile:           "/var/run/voxeld.pid",
		SocketPath:        "/var/run/voxeld.sock",
		WorkingDir:        "/",
		Workers:           4,
		QueueSize:         1024,
		MaxConnections:    256,
		MaxMessageSize:    1 << 20,
		ShutdownTimeoutMS: 30_000,
		RenderDir:         "/var/lib/voxeld/renders",
		RenderTTL:         3600,
		RenderMaxSize:     512 << 20,
	}
}

// Load builds a Config from (in increasing precedence) the built-in
// default, a loaded .env file, process environment variables, CLI flags,
// and finally the optional JSON config file named by -config, whose keys
// override any flag values.
func Load(args []string) (Config, error) {
	cfg := Default()

	// A missing .env is not an error (godotenv.Load only helps local/dev
	// setups; production deployments set real environment variables).
	_ = godotenv.Load()

	applyEnv(&cfg)

	fs := flag.NewFlagSet("voxeld", flag.ContinueOnError)
	fs.BoolVar(&cfg.Daemonize, "daemonize", cfg.Daemonize, "run in the background")
	foreground := fs.Bool("foreground", !cfg.Daemonize, "run attached to the controlling terminal")
	fs.StringVar(&cfg.PIDFile, "pid-file", cfg.PIDFile, "path to the PID file")
	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "path to the listening unix socket")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "path to an optional JSON config file")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "path to the log file (empty = stderr)")
	fs.StringVar(&cfg.WorkingDir, "working-dir", cfg.WorkingDir, "working directory after daemonizing")
	fs.StringVar(&cfg.User, "user", cfg.User, "user name (parsed only; the daemon does not drop privileges)")
	fs.StringVar(&cfg.Group, "group", cfg.Group, "group name (parsed only; the daemon does not drop privileges)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker pool size (1-64)")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "work queue capacity (1-65536)")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent client connections")
	fs.BoolVar(&cfg.PriorityQueue, "priority-queue", cfg.PriorityQueue, "enable priority-ordered dequeue")
	fs.BoolVar(&cfg.ShowStatus, "status", false, "report whether an instance is running and exit")
	fs.BoolVar(&cfg.ShowStop, "stop", false, "stop a running instance and exit")
	fs.BoolVar(&cfg.ShowReload, "reload", false, "signal a running instance to reload and exit")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "print usage and exit")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Daemonize = !*foreground || cfg.Daemonize

	if cfg.ConfigFile != "" {
		if err := applyConfigFile(&cfg, cfg.ConfigFile); err != nil {
			return cfg, err
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RENDER_DIR"); v != "" {
		cfg.RenderDir = v
	}
	if v := os.Getenv("RENDER_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RenderTTL = n
		}
	}
	if v := os.Getenv("RENDER_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RenderMaxSize = n
		}
	}
}

// fileOverrides mirrors the subset of Config a JSON config file may
// override; keys absent from the file leave the existing setting alone,
// while a key that is present overrides it even with a zero value.
type fileOverrides struct {
	Workers        *int    `json:"workers"`
	QueueSize      *int    `json:"queue_size"`
	MaxConnections *int    `json:"max_connections"`
	PriorityQueue  *bool   `json:"priority_queue"`
	SocketPath     *string `json:"socket"`
	RenderDir      *string `json:"render_dir"`
	RenderTTL      *int    `json:"render_ttl"`
	RenderMaxSize  *int64  `json:"render_max_size"`
	MetricsAddr    *string `json:"metrics_addr"`
}

func applyConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var ov fileOverrides
	if err := json.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if ov.Workers != nil {
		cfg.Workers = *ov.Workers
	}
	if ov.QueueSize != nil {
		cfg.QueueSize = *ov.QueueSize
	}
	if ov.MaxConnections != nil {
		cfg.MaxConnections = *ov.MaxConnections
	}
	if ov.PriorityQueue != nil {
		cfg.PriorityQueue = *ov.PriorityQueue
	}
	if ov.SocketPath != nil {
		cfg.SocketPath = *ov.SocketPath
	}
	if ov.RenderDir != nil {
		cfg.RenderDir = *ov.RenderDir
	}
	if ov.RenderTTL != nil {
		cfg.RenderTTL = *ov.RenderTTL
	}
	if ov.RenderMaxSize != nil {
		cfg.RenderMaxSize = *ov.RenderMaxSize
	}
	if ov.MetricsAddr != nil {
		cfg.MetricsAddr = *ov.MetricsAddr
	}
	return nil
}

// Validate enforces the bounds each tunable must stay within.
func Validate(cfg Config) error {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return fmt.Errorf("config: workers must be between 1 and 64, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 1 || cfg.QueueSize > 65536 {
		return fmt.Errorf("config: queue-size must be between 1 and 65536, got %d", cfg.QueueSize)
	}
	if cfg.MaxConnections < 1 {
		return fmt.Errorf("config: max-connections must be positive, got %d", cfg.MaxConnections)
	}
	return nil
}
