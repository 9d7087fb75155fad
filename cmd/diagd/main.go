package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HyphaGroup/diagd/internal/artifact"
	"github.com/HyphaGroup/diagd/internal/backup"
	"github.com/HyphaGroup/diagd/internal/cleanup"
	"github.com/HyphaGroup/diagd/internal/config"
	"github.com/HyphaGroup/diagd/internal/coordinator"
	"github.com/HyphaGroup/diagd/internal/diagnoser"
	"github.com/HyphaGroup/diagd/internal/diagnoser/docker"
	"github.com/HyphaGroup/diagd/internal/fleet"
	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/mcp"
	"github.com/HyphaGroup/diagd/internal/runner"
	"github.com/HyphaGroup/diagd/internal/schedule"
	"github.com/HyphaGroup/diagd/internal/store"
	"github.com/HyphaGroup/diagd/internal/store/filestore"
	"github.com/HyphaGroup/diagd/internal/store/tablestore"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "archives":
			cmdArchives(os.Args[2:])
			return
		case "restore":
			cmdRestore(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("diagd %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	// Default: run server
	runServer()
}

func printUsage() {
	fmt.Printf(`diagd %s - Multi-instance diagnostic session coordinator

Usage: diagd [command] [options]

Commands:
  (default)    Start the coordinator and its MCP server
  init         Write a starter diagd.jsonc
  archives     List archived sessions
  restore      Extract an archived session: diagd restore <archive> <dest>

Server Options:
  --dir <path>       diagd home directory
  --config <file>    diagd.jsonc to use instead of <home>/config/diagd.jsonc

Config Precedence (for server):
  1. --dir flag
  2. DIAGD_HOME env var
  3. ./.diagd (if initialized in current directory)
  4. ~/.diagd (default)

Environment:
  DIAGD_INSTANCE     this replica's name (default: host name)
  DIAGD_PARTITION    the application the fleet serves (default: WEBSITE_HOSTNAME)
  DIAGD_DEV=1        use local diagnoser images only, never pull

Examples:
  diagd                          Start the server (auto-detect config)
  diagd --dir /mnt/shared/diagd  Start with a shared home directory
  diagd --config ./diagd.jsonc   Start with an explicit config file
  diagd init --dir .             Set up in current directory
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "diagd home directory (default: ~/.diagd)")
	configFlag := flag.String("config", "", "path to diagd.jsonc (default: <home>/config/diagd.jsonc)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("diagd %s\n", Version)
		os.Exit(0)
	}

	home := resolveHome(*dirFlag)
	cfg := loadConfig(home, *configFlag)

	logDir := inHome(home, cfg.Server.LogDir)
	if err := logger.Init(logDir, cfg.Server.Instance); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()
	if err := logger.InitSlog(logDir, cfg.Server.Instance, cfg.Server.JSONLogs); err != nil {
		logger.Fatalf("Failed to initialize structured logger: %v", err)
	}
	defer func() { _ = logger.CloseSlog() }()

	logger.Println("🩺 diagd - Multi-instance diagnostic session coordinator")
	logger.Printf("   Instance %s, partition %s", cfg.Server.Instance, cfg.Server.Partition)
	logger.Println("")

	st, storeDir, locks := openStore(home, cfg)
	defer func() { _ = st.Close() }()

	reg := diagnoser.NewRegistry()
	if len(cfg.Diagnosers) > 0 {
		cli, err := docker.NewClient()
		if err != nil {
			logger.Fatalf("Failed to initialize Docker client: %v", err)
		}
		defer func() { _ = cli.Close() }()
		if err := docker.EnsureImages(context.Background(), cli, docker.Images(cfg.Diagnosers)); err != nil {
			logger.Fatalf("Failed to prepare diagnoser images: %v", err)
		}
		for _, d := range docker.FromConfig(cli, cfg.Diagnosers) {
			reg.Register(d)
		}
		logger.Printf("🐳 Loaded %d diagnoser(s): %v", len(cfg.Diagnosers), reg.Names())
	} else {
		logger.Println("⚠️  WARNING: No diagnosers configured in diagd.jsonc")
		logger.Println("   Submissions will fail until you add diagnosers")
	}

	fleetCtx, stopFleet := context.WithCancel(context.Background())
	defer stopFleet()
	fp := openFleet(fleetCtx, home, cfg)

	artifactDir := inHome(home, cfg.Artifacts.LocalDir)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		logger.Fatalf("Failed to create artifacts directory: %v", err)
	}

	coord := coordinator.New(st, reg, fp, artifact.Local{Dir: artifactDir}, coordinatorOptions(cfg))

	logger.Printf("📁 Sessions: %s (%s backend)", storeDir, cfg.Storage.Backend)
	logger.Printf("📦 Artifacts: %s", artifactDir)
	logger.Printf("📝 Logs directory: %s", logDir)
	logger.Println("")

	run := runner.NewRunner(coord, nil, cfg.Coordinator.PollInterval.D())
	run.Start()

	archive, err := openArchive(home, cfg)
	if err != nil {
		logger.Fatalf("Invalid archive configuration: %v", err)
	}
	cleaner, err := cleanup.New(coord, locks, cleanup.Config{
		Schedule:         cfg.Cleanup.Schedule,
		Retention:        cfg.Cleanup.Retention.D(),
		TempDir:          cfg.Cleanup.TempDir,
		StoreDir:         storeDir,
		DiskWarnPercent:  80,
		DiskErrorPercent: 90,
		Archive:          archive,
	})
	if err != nil {
		logger.Fatalf("Invalid cleanup configuration: %v", err)
	}
	cleaner.Start()

	schedules, scheduler := openSchedules(home, cfg, coord)
	if scheduler != nil {
		scheduler.Start()
	}

	server := mcp.NewServer(coord, &mcp.ServerConfig{
		Version:   Version,
		Rate:      cfg.API.Rate,
		Burst:     cfg.API.Burst,
		Schedules: schedules,
		Scheduler: scheduler,
	})

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(cfg.Server.Address)
	}()

	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		logger.Println("   Stopping MCP server...")
		if err := server.Shutdown(ctx); err != nil {
			logger.Printf("⚠️  MCP server shutdown: %v", err)
		}

		// The session itself stays active; the other instances carry on
		logger.Println("   Stopping session runner...")
		run.Stop()

		logger.Println("   Stopping cleanup...")
		cleaner.Stop()

		if scheduler != nil {
			logger.Println("   Stopping schedules...")
			scheduler.Stop()
			_ = schedules.Close()
		}

		logger.Println("   Leaving the fleet...")
		stopFleet()
		if hb, ok := fp.(*fleet.Heartbeat); ok {
			_ = hb.Forget(cfg.Server.Instance)
		}

		logger.Println("   Closing session store...")
		_ = st.Close()

		logger.Println("✅ Shutdown complete")
	}
}

// loadConfig reads diagd.jsonc from home, falling back to defaults when none
// exists. An explicit path must exist.
func loadConfig(home, path string) *config.Config {
	if path == "" {
		found, err := config.FindConfigPath(filepath.Join(home, "config"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  %v; using defaults. Run 'diagd init' to create one.\n", err)
			return config.Default()
		}
		path = found
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

// openStore opens the configured session store. A store that cannot be
// opened does not stop the process: every operation then reports storage
// as unavailable and /ready fails.
func openStore(home string, cfg *config.Config) (store.Store, string, cleanup.TombstonePruner) {
	switch cfg.Storage.Backend {
	case "table":
		dbPath := inHome(home, cfg.Storage.DBPath)
		st, err := tablestore.New(dbPath, cfg.Server.Partition)
		if err != nil {
			logger.Error("Session database %s unavailable: %v", dbPath, err)
			return store.Unconfigured{Reason: err.Error()}, "", nil
		}
		return st, "", nil
	default:
		dir := inHome(home, cfg.Storage.Dir)
		st, err := filestore.New(dir, cfg.Server.Partition)
		if err != nil {
			logger.Error("Session directory %s unavailable: %v", dir, err)
			return store.Unconfigured{Reason: err.Error()}, "", nil
		}
		return st, dir, st.LockFiles()
	}
}

// openArchive returns the session archive, or nil when archiving is off.
func openArchive(home string, cfg *config.Config) (*backup.Manager, error) {
	if cfg.Cleanup.ArchiveDir == "" {
		return nil, nil
	}
	return backup.New(backup.Config{
		ArtifactDir: inHome(home, cfg.Artifacts.LocalDir),
		BackupDir:   inHome(home, cfg.Cleanup.ArchiveDir),
		Retention:   cfg.Cleanup.ArchiveKeep,
	})
}

// openSchedules opens the shared schedule database when schedules are
// enabled. A database that cannot be opened disables schedules on this
// instance only.
func openSchedules(home string, cfg *config.Config, coord *coordinator.Coordinator) (*schedule.Store, *schedule.Runner) {
	if !cfg.Schedules.Enabled {
		return nil, nil
	}
	dir := inHome(home, filepath.Join(cfg.Schedules.DataDir, cfg.Server.Partition))
	st, err := schedule.NewStore(dir)
	if err != nil {
		logger.Error("Schedules disabled, database in %s unavailable: %v", dir, err)
		return nil, nil
	}
	logger.Printf("⏰ Schedules: %s", dir)
	return st, schedule.NewRunner(st, coord, cfg.Server.Instance, cfg.Schedules.Interval.D())
}

// openFleet returns the configured instance list, or heartbeats in a
// shared directory when none is configured.
func openFleet(ctx context.Context, home string, cfg *config.Config) fleet.Provider {
	if len(cfg.Fleet.Instances) > 0 {
		logger.Printf("🌐 Static fleet: %v", cfg.Fleet.Instances)
		return fleet.Static(cfg.Fleet.Instances)
	}

	dir := cfg.Fleet.HeartbeatDir
	if dir == "" {
		dir = filepath.Join(cfg.Storage.Dir, cfg.Server.Partition, "heartbeats")
	}
	dir = inHome(home, dir)
	hb, err := fleet.NewHeartbeat(dir, cfg.Fleet.HeartbeatTTL.D())
	if err != nil {
		logger.Printf("⚠️  Heartbeats unavailable (%v); fleet is this instance only", err)
		return fleet.Static{cfg.Server.Instance}
	}
	go hb.Run(ctx, cfg.Server.Instance, cfg.Fleet.HeartbeatInterval.D())
	logger.Printf("🌐 Heartbeat fleet: %s (ttl %s)", dir, cfg.Fleet.HeartbeatTTL.D())
	return hb
}

func coordinatorOptions(cfg *config.Config) coordinator.Options {
	c := cfg.Coordinator
	opts := coordinator.DefaultOptions(cfg.Server.Instance)
	opts.LockWait = c.LockWait.D()
	opts.LockPoll = c.LockPoll.D()
	opts.LockStale = c.LockStale.D()
	opts.SubmitLockWait = c.SubmitLockWait.D()
	opts.SubmitLockStale = c.SubmitLockStale.D()
	opts.OrphanTimeout = c.OrphanTimeout.D()
	opts.MaxSessionDuration = c.MaxSessionDuration.D()
	opts.MaxAnalyzerDuration = c.MaxAnalyzerDuration.D()
	opts.ToolTimeout = c.ToolTimeout.D()
	opts.Retry = coordinator.RetryPolicy{
		Ceiling:     c.RetryCeiling,
		PerInstance: c.RetryScope == config.RetryPerInstance,
	}
	opts.Healing = coordinator.HealingLimits{
		MaxPerDay:   cfg.Healing.MaxPerDay,
		MaxInWindow: cfg.Healing.MaxInWindow,
		Window:      cfg.Healing.Window.D(),
	}
	opts.DefaultBlobSAS = cfg.Artifacts.BlobSAS
	opts.TempDir = cfg.Cleanup.TempDir
	return opts
}

// inHome resolves relative config paths against the diagd home directory.
func inHome(home, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(home, path)
}

func resolveHome(flagDir string) string {
	// 1. Explicit flag takes highest precedence
	if flagDir != "" {
		absDir, err := filepath.Abs(flagDir)
		if err != nil {
			log.Fatalf("Invalid directory: %v", err)
		}
		return absDir
	}

	// 2. DIAGD_HOME env var
	if envDir := os.Getenv("DIAGD_HOME"); envDir != "" {
		absDir, err := filepath.Abs(envDir)
		if err != nil {
			log.Fatalf("Invalid DIAGD_HOME: %v", err)
		}
		return absDir
	}

	// 3. Check current directory for .diagd/config/diagd.jsonc
	if cwd, err := os.Getwd(); err == nil {
		localDir := filepath.Join(cwd, ".diagd")
		if _, err := os.Stat(filepath.Join(localDir, "config", "diagd.jsonc")); err == nil {
			return localDir
		}
	}

	// 4. Default to ~/.diagd
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get home directory: %v", err)
	}
	return filepath.Join(homeDir, ".diagd")
}

const starterConfig = `{
  // diagd configuration

  "server": {
    "address": ":8080"
    // "instance": "",     // DIAGD_INSTANCE overrides; default is the host name
    // "partition": ""     // DIAGD_PARTITION overrides; default is WEBSITE_HOSTNAME
  },

  // Every instance of the fleet must point at the same storage
  "storage": {
    "backend": "file",
    "dir": "data/sessions"
  },

  "coordinator": {
    "poll_interval": "30s",
    "retry_ceiling": 5,
    "retry_scope": "per_instance"
  },

  "artifacts": {
    "local_dir": "data/artifacts"
    // "blob_sas_url": ""  // container SAS URL for diagnosers that require storage
  },

  "diagnosers": {
    // "MemoryDump": {
    //   "collector": { "image": "registry.example.com/diag/memdump:1", "command": ["collect"] },
    //   "analyzer":  { "image": "registry.example.com/diag/memdump:1", "command": ["analyze"] }
    // }
  },

  "cleanup": {
    "schedule": "0 * * * *",
    "retention": "720h"
    // "archive_dir": "data/archives",  // archive sessions before retention deletes them
    // "archive_keep": 100
  },

  // Recurring sessions, managed with the schedule tool
  "schedules": {
    "enabled": false,
    "data_dir": "data/schedules"
  }
}
`

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.diagd)")
	force := fs.Bool("force", false, "Overwrite an existing diagd.jsonc")
	_ = fs.Parse(args)

	home := *dirFlag
	if home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		home = filepath.Join(homeDir, ".diagd")
	}
	home, err := filepath.Abs(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
		os.Exit(1)
	}

	configFile := filepath.Join(home, "config", "diagd.jsonc")
	if _, err := os.Stat(configFile); err == nil && !*force {
		fmt.Printf("⚠️  %s already exists (use --force to overwrite)\n", configFile)
		return
	} else if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("🩺 Initializing diagd")
	fmt.Println("")

	dirs := []string{
		filepath.Join(home, "config"),
		filepath.Join(home, "data", "sessions"),
		filepath.Join(home, "data", "artifacts"),
		filepath.Join(home, "data", "logs"),
		filepath.Join(home, "data", "schedules"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	if _, err := config.Parse([]byte(starterConfig)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: starter config is invalid: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(configFile, []byte(starterConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", configFile, err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configFile)
	fmt.Println("")
	fmt.Println("✅ Done. Add your diagnosers to diagd.jsonc, then run 'diagd'.")
}
