package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/HyphaGroup/diagd/internal/validation"
)

const fileName = "diagd.jsonc"

// Retry ceiling scopes
const (
	RetryPerInstance = "per_instance"
	RetryFleet       = "fleet"
)

// Config is the single configuration file format for diagd.jsonc
type Config struct {
	Server      ServerSection              `json:"server"`
	Storage     StorageSection             `json:"storage"`
	Coordinator CoordinatorSection         `json:"coordinator"`
	Healing     HealingSection             `json:"healing"`
	Fleet       FleetSection               `json:"fleet"`
	Artifacts   ArtifactsSection           `json:"artifacts"`
	Diagnosers  map[string]DiagnoserConfig `json:"diagnosers"`
	Cleanup     CleanupSection             `json:"cleanup"`
	Schedules   SchedulesSection           `json:"schedules"`
	API         APISection                 `json:"api"`
}

// ServerSection contains server configuration
type ServerSection struct {
	Address   string `json:"address"`
	Instance  string `json:"instance"`  // this replica's name; DIAGD_INSTANCE overrides
	Partition string `json:"partition"` // default host name of the app; DIAGD_PARTITION overrides
	LogDir    string `json:"log_dir"`
	JSONLogs  bool   `json:"json_logs"`
}

// StorageSection selects the session record store
type StorageSection struct {
	Backend string `json:"backend"` // "file" or "table"
	Dir     string `json:"dir"`
	DBPath  string `json:"db_path"`
}

// CoordinatorSection holds the timing knobs of the session protocol
type CoordinatorSection struct {
	PollInterval        Duration `json:"poll_interval"`
	LockWait            Duration `json:"lock_wait"`
	LockPoll            Duration `json:"lock_poll"`
	LockStale           Duration `json:"lock_stale"`
	SubmitLockWait      Duration `json:"submit_lock_wait"`
	SubmitLockStale     Duration `json:"submit_lock_stale"`
	OrphanTimeout       Duration `json:"orphan_timeout"`
	MaxSessionDuration  Duration `json:"max_session_duration"`
	MaxAnalyzerDuration Duration `json:"max_analyzer_duration"`
	ToolTimeout         Duration `json:"tool_timeout"`
	RetryCeiling        int      `json:"retry_ceiling"`
	RetryScope          string   `json:"retry_scope"` // "per_instance" divides run counts by live instances; "fleet" compares totals
}

// HealingSection limits sessions submitted by automated healing
type HealingSection struct {
	MaxPerDay   int      `json:"max_per_day"`
	MaxInWindow int      `json:"max_in_window"`
	Window      Duration `json:"window"`
}

// FleetSection configures instance membership
type FleetSection struct {
	Instances         []string `json:"instances"`
	HeartbeatDir      string   `json:"heartbeat_dir"`
	HeartbeatTTL      Duration `json:"heartbeat_ttl"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
}

// ArtifactsSection says where collected logs and reports live
type ArtifactsSection struct {
	LocalDir string `json:"local_dir"`
	BlobSAS  string `json:"blob_sas_url"` // default container SAS URL for diagnosers that require storage
}

// DiagnoserConfig describes one diagnoser's collector and analyzer
type DiagnoserConfig struct {
	Collector       ToolConfig  `json:"collector"`
	Analyzer        *ToolConfig `json:"analyzer,omitempty"`
	RequiresStorage bool        `json:"requires_storage"`
}

// ToolConfig is a container image and command line
type ToolConfig struct {
	Image   string   `json:"image"`
	Command []string `json:"command"`
}

// CleanupSection configures periodic maintenance
type CleanupSection struct {
	Schedule    string   `json:"schedule"`
	Retention   Duration `json:"retention"`
	TempDir     string   `json:"temp_dir"`
	ArchiveDir  string   `json:"archive_dir"`  // archive sessions here before deleting them; empty disables
	ArchiveKeep int      `json:"archive_keep"` // archives kept, 0 keeps all
}

// SchedulesSection configures scheduled sessions. Every instance fires due
// schedules, so data_dir must be shared like the session store.
type SchedulesSection struct {
	Enabled  bool     `json:"enabled"`
	DataDir  string   `json:"data_dir"`
	Interval Duration `json:"interval"`
}

// APISection configures the exposed MCP surface
type APISection struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// FindConfigPath returns the path to diagd.jsonc using precedence:
// 1. configDir + /diagd.jsonc (if configDir specified)
// 2. ./config/diagd.jsonc (project-local)
// 3. ~/.diagd/config/diagd.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, fileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s", fileName, configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", fileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".diagd", "config", fileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("%s not found; tried: %v", fileName, candidates)
}

// Load reads configuration from a diagd.jsonc file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	return cfg, nil
}

// Parse decodes JSONC content, applies environment overrides and defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DIAGD_INSTANCE"); v != "" {
		cfg.Server.Instance = v
	}
	if v := os.Getenv("DIAGD_PARTITION"); v != "" {
		cfg.Server.Partition = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.Instance = host
		}
	}
	if cfg.Server.Partition == "" {
		cfg.Server.Partition = os.Getenv("WEBSITE_HOSTNAME")
	}
	if cfg.Server.Partition == "" {
		cfg.Server.Partition = "default"
	}
	if cfg.Server.LogDir == "" {
		cfg.Server.LogDir = "data/logs"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data/sessions"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "data/sessions.db"
	}

	c := &cfg.Coordinator
	setDefault(&c.PollInterval, 30*time.Second)
	setDefault(&c.LockWait, 60*time.Second)
	setDefault(&c.LockPoll, time.Second)
	setDefault(&c.LockStale, 60*time.Second)
	setDefault(&c.SubmitLockWait, 15*time.Minute)
	setDefault(&c.SubmitLockStale, 15*time.Minute)
	setDefault(&c.OrphanTimeout, 15*time.Minute)
	setDefault(&c.MaxSessionDuration, 3*time.Hour)
	setDefault(&c.MaxAnalyzerDuration, 45*time.Minute)
	setDefault(&c.ToolTimeout, 30*time.Minute)
	if c.RetryCeiling == 0 {
		c.RetryCeiling = 5
	}
	if c.RetryScope == "" {
		c.RetryScope = RetryPerInstance
	}

	if cfg.Healing.MaxPerDay == 0 {
		cfg.Healing.MaxPerDay = 5
	}
	if cfg.Healing.MaxInWindow == 0 {
		cfg.Healing.MaxInWindow = 2
	}
	setDefault(&cfg.Healing.Window, time.Hour)

	setDefault(&cfg.Fleet.HeartbeatTTL, 2*time.Minute)
	setDefault(&cfg.Fleet.HeartbeatInterval, 30*time.Second)

	if cfg.Artifacts.LocalDir == "" {
		cfg.Artifacts.LocalDir = "data/artifacts"
	}
	if cfg.Diagnosers == nil {
		cfg.Diagnosers = make(map[string]DiagnoserConfig)
	}

	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = "0 * * * *"
	}
	setDefault(&cfg.Cleanup.Retention, 30*24*time.Hour)
	if cfg.Cleanup.TempDir == "" {
		cfg.Cleanup.TempDir = filepath.Join(os.TempDir(), "diagd")
	}

	if cfg.Schedules.DataDir == "" {
		cfg.Schedules.DataDir = "data/schedules"
	}
	setDefault(&cfg.Schedules.Interval, time.Minute)

	if cfg.API.Rate == 0 {
		cfg.API.Rate = 1
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 5
	}
}

func setDefault(d *Duration, v time.Duration) {
	if *d == 0 {
		*d = Duration(v)
	}
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "table":
	default:
		return fmt.Errorf("storage.backend must be \"file\" or \"table\", got %q", c.Storage.Backend)
	}
	if c.Server.Instance == "" {
		return fmt.Errorf("server.instance is required when the host name is unavailable")
	}
	if err := validation.ValidateName("instance", c.Server.Instance); err != nil {
		return fmt.Errorf("server.instance: %w", err)
	}
	if err := validation.ValidateName("partition", c.Server.Partition); err != nil {
		return fmt.Errorf("server.partition: %w", err)
	}
	if err := validation.ValidateNames("instance", c.Fleet.Instances); err != nil {
		return fmt.Errorf("fleet.instances: %w", err)
	}
	for name, d := range c.Diagnosers {
		if err := validation.ValidateName("diagnoser", name); err != nil {
			return fmt.Errorf("diagnosers: %w", err)
		}
		if d.Collector.Image == "" {
			return fmt.Errorf("diagnosers.%s: collector.image is required", name)
		}
		if d.Analyzer != nil && d.Analyzer.Image == "" {
			return fmt.Errorf("diagnosers.%s: analyzer.image is required", name)
		}
	}
	switch c.Coordinator.RetryScope {
	case RetryPerInstance, RetryFleet:
	default:
		return fmt.Errorf("coordinator.retry_scope must be %q or %q", RetryPerInstance, RetryFleet)
	}
	if c.Coordinator.RetryCeiling < 0 {
		return fmt.Errorf("coordinator.retry_ceiling must not be negative")
	}
	if c.Cleanup.ArchiveKeep < 0 {
		return fmt.Errorf("cleanup.archive_keep must not be negative")
	}
	if c.Schedules.Interval.D() < time.Second {
		return fmt.Errorf("schedules.interval must be at least 1s")
	}
	return nil
}
