// Package config provides YAML configuration for the evolution engine.
// The config file lives at .evolution/config.yaml inside the workspace;
// a missing file means defaults. Environment variables override file
// values after load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Evolution  EvolutionConfig  `yaml:"evolution"`
	QuietHours QuietHoursConfig `yaml:"quiet_hours"`
	Backup     BackupConfig     `yaml:"backup"`
	SelfHeal   SelfHealConfig   `yaml:"self_heal"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Council    CouncilConfig    `yaml:"council"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`

	// CustomRules are scanned in priority order before the autonomy
	// check; first match wins.
	CustomRules []CustomRule `yaml:"custom_rules"`
}

// EvolutionConfig controls the core loop.
type EvolutionConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	DryRun                  bool    `yaml:"dry_run"`
	AutonomyLevel           int     `yaml:"autonomy_level"` // 0=manual, 1=assisted, 2=auto
	MinConfidence           float64 `yaml:"min_confidence"`
	DailyLimit              int     `yaml:"daily_limit"`
	MaxPerCycle             int     `yaml:"max_per_cycle"`
	IntervalMs              int     `yaml:"interval_ms"`
	BatchSize               int     `yaml:"batch_size"`
	PriorityOrder           string  `yaml:"priority_order"` // age | impact | risk
	MaxAgeMs                int64   `yaml:"max_age_ms"`
	ApplyTimeoutMs          int     `yaml:"apply_timeout_ms"`
	RollbackOnFailure       bool    `yaml:"rollback_on_failure"`
	RequireCouncilForMedium bool    `yaml:"require_council_for_medium"`
}

// QuietHoursConfig suppresses scheduling inside a local-time window.
// StartHour > EndHour means the window wraps around midnight.
type QuietHoursConfig struct {
	Enabled   bool `yaml:"enabled"`
	StartHour int  `yaml:"start_hour"`
	EndHour   int  `yaml:"end_hour"`
}

// BackupConfig controls pre-application target snapshots.
type BackupConfig struct {
	CreateBackups bool   `yaml:"create_backups"`
	BackupDir     string `yaml:"backup_dir"` // default: .evolution/backups
	MaxBackups    int    `yaml:"max_backups"`
}

// SelfHealConfig holds degradation thresholds and the rollback cap.
type SelfHealConfig struct {
	Enabled               bool    `yaml:"enabled"`
	SuccessRateDropPct    float64 `yaml:"success_rate_drop_pct"`
	CostIncreasePct       float64 `yaml:"cost_increase_pct"`
	DurationIncreasePct   float64 `yaml:"duration_increase_pct"`
	MinTasksForEvaluation int     `yaml:"min_tasks_for_evaluation"`
	MonitoringPeriodMs    int64   `yaml:"monitoring_period_ms"`
	MaxDailyRollbacks     int     `yaml:"max_daily_rollbacks"`
}

// ScorerConfig tunes risk assessment.
type ScorerConfig struct {
	ConfidenceFloor  float64 `yaml:"confidence_floor"`
	MaxSafeFileCount int     `yaml:"max_safe_file_count"`
}

// CouncilConfig configures the optional council oracle.
type CouncilConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"` // duration string, e.g. "30s"
}

// HistoryConfig configures the SQLite outcome/override log.
type HistoryConfig struct {
	DatabasePath string `yaml:"database_path"` // default: .evolution/history.db
	WindowDays   int    `yaml:"window_days"`
}

// LoggingConfig mirrors the logging package's expectations.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// CustomRule is an operator-supplied decision rule. All predicate fields
// are optional; an empty field matches everything. Expression is an
// optional CEL predicate compiled at load time.
type CustomRule struct {
	Name          string   `yaml:"name"`
	Priority      int      `yaml:"priority"` // lower = earlier
	Action        string   `yaml:"action"`   // approve | defer | reject | escalate
	Categories    []string `yaml:"categories"`
	MaxRiskLevel  string   `yaml:"max_risk_level"`
	MinConfidence float64  `yaml:"min_confidence"`
	MaxFiles      int      `yaml:"max_files"` // 0 = unlimited
	Scope         string   `yaml:"scope"`     // project | global | "" (any)
	Expression    string   `yaml:"expression"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Evolution: EvolutionConfig{
			Enabled:                 true,
			DryRun:                  false,
			AutonomyLevel:           1,
			MinConfidence:           0.6,
			DailyLimit:              10,
			MaxPerCycle:             3,
			IntervalMs:              300000, // 5 minutes
			BatchSize:               5,
			PriorityOrder:           "age",
			MaxAgeMs:                7 * 24 * 60 * 60 * 1000, // 7 days
			ApplyTimeoutMs:          60000,
			RollbackOnFailure:       true,
			RequireCouncilForMedium: false,
		},
		QuietHours: QuietHoursConfig{
			Enabled:   false,
			StartHour: 22,
			EndHour:   6,
		},
		Backup: BackupConfig{
			CreateBackups: true,
			MaxBackups:    10,
		},
		SelfHeal: SelfHealConfig{
			Enabled:               true,
			SuccessRateDropPct:    10,
			CostIncreasePct:       25,
			DurationIncreasePct:   30,
			MinTasksForEvaluation: 5,
			MonitoringPeriodMs:    60 * 60 * 1000, // 1 hour
			MaxDailyRollbacks:     3,
		},
		Scorer: ScorerConfig{
			ConfidenceFloor:  0.3,
			MaxSafeFileCount: 5,
		},
		Council: CouncilConfig{
			Enabled: false,
			Model:   "gemini-2.5-flash",
			Timeout: "30s",
		},
		History: HistoryConfig{
			WindowDays: 30,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// DefaultPath returns the config file location inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".evolution", "config.yaml")
}

// Load loads configuration from a YAML file.
// A missing file yields defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EVO_ENABLED"); v != "" {
		c.Evolution.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EVO_DRY_RUN"); v != "" {
		c.Evolution.DryRun = v == "true" || v == "1"
	}
	if v := os.Getenv("EVO_AUTONOMY_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Evolution.AutonomyLevel = n
		}
	}
	if v := os.Getenv("EVO_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Evolution.DailyLimit = n
		}
	}
	if v := os.Getenv("EVO_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Evolution.IntervalMs = n
		}
	}

	// Council API key from environment (same variable the host uses)
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Council.APIKey = key
	}

	// History database path from environment
	if path := os.Getenv("EVO_DB"); path != "" {
		c.History.DatabasePath = path
	}
}

// GetInterval returns the scheduler tick period as a duration.
func (c *Config) GetInterval() time.Duration {
	if c.Evolution.IntervalMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Evolution.IntervalMs) * time.Millisecond
}

// GetMaxAge returns the pending-proposal escalation age as a duration.
func (c *Config) GetMaxAge() time.Duration {
	if c.Evolution.MaxAgeMs <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.Evolution.MaxAgeMs) * time.Millisecond
}

// GetApplyTimeout returns the per-application timeout as a duration.
func (c *Config) GetApplyTimeout() time.Duration {
	if c.Evolution.ApplyTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Evolution.ApplyTimeoutMs) * time.Millisecond
}

// GetMonitoringPeriod returns the self-heal observation window.
func (c *Config) GetMonitoringPeriod() time.Duration {
	if c.SelfHeal.MonitoringPeriodMs <= 0 {
		return time.Hour
	}
	return time.Duration(c.SelfHeal.MonitoringPeriodMs) * time.Millisecond
}

// GetCouncilTimeout returns the council call timeout as a duration.
func (c *Config) GetCouncilTimeout() time.Duration {
	d, err := time.ParseDuration(c.Council.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate checks configuration consistency. A non-nil error means the
// engine must refuse to start.
func (c *Config) Validate() error {
	e := c.Evolution
	if e.AutonomyLevel < 0 || e.AutonomyLevel > 2 {
		return fmt.Errorf("autonomy_level must be 0, 1, or 2 (got %d)", e.AutonomyLevel)
	}
	if e.MinConfidence < 0 || e.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1] (got %v)", e.MinConfidence)
	}
	if e.DailyLimit < 1 {
		return fmt.Errorf("daily_limit must be at least 1 (got %d)", e.DailyLimit)
	}
	if e.MaxPerCycle < 1 {
		return fmt.Errorf("max_per_cycle must be at least 1 (got %d)", e.MaxPerCycle)
	}
	if e.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1 (got %d)", e.BatchSize)
	}
	if e.IntervalMs < 1000 {
		return fmt.Errorf("interval_ms must be at least 1000 (got %d)", e.IntervalMs)
	}
	switch e.PriorityOrder {
	case "age", "impact", "risk":
	default:
		return fmt.Errorf("priority_order must be age, impact, or risk (got %q)", e.PriorityOrder)
	}

	q := c.QuietHours
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
		return fmt.Errorf("quiet hours must be in 0..23 (got start=%d end=%d)", q.StartHour, q.EndHour)
	}
	if q.Enabled && q.StartHour == q.EndHour {
		return fmt.Errorf("quiet hours start and end are both %d; window would cover the whole day", q.StartHour)
	}

	if c.Backup.CreateBackups && c.Backup.MaxBackups < 1 {
		return fmt.Errorf("max_backups must be at least 1 when backups are enabled (got %d)", c.Backup.MaxBackups)
	}

	s := c.SelfHeal
	if s.Enabled {
		if s.SuccessRateDropPct <= 0 || s.CostIncreasePct <= 0 || s.DurationIncreasePct <= 0 {
			return fmt.Errorf("self_heal thresholds must be positive")
		}
		if s.MinTasksForEvaluation < 1 {
			return fmt.Errorf("min_tasks_for_evaluation must be at least 1 (got %d)", s.MinTasksForEvaluation)
		}
		if s.MaxDailyRollbacks < 0 {
			return fmt.Errorf("max_daily_rollbacks must not be negative (got %d)", s.MaxDailyRollbacks)
		}
	}

	if c.Scorer.ConfidenceFloor < 0 || c.Scorer.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0,1] (got %v)", c.Scorer.ConfidenceFloor)
	}
	if c.Scorer.MaxSafeFileCount < 1 {
		return fmt.Errorf("max_safe_file_count must be at least 1 (got %d)", c.Scorer.MaxSafeFileCount)
	}

	if c.History.WindowDays < 1 {
		return fmt.Errorf("history window_days must be at least 1 (got %d)", c.History.WindowDays)
	}

	for i, r := range c.CustomRules {
		switch r.Action {
		case "approve", "defer", "reject", "escalate":
		default:
			return fmt.Errorf("custom rule %d (%s): action must be approve, defer, reject, or escalate (got %q)", i, r.Name, r.Action)
		}
		switch r.MaxRiskLevel {
		case "", "low", "medium", "high":
		default:
			return fmt.Errorf("custom rule %d (%s): max_risk_level must be low, medium, or high (got %q)", i, r.Name, r.MaxRiskLevel)
		}
		switch r.Scope {
		case "", "project", "global":
		default:
			return fmt.Errorf("custom rule %d (%s): scope must be project or global (got %q)", i, r.Name, r.Scope)
		}
		if r.MinConfidence < 0 || r.MinConfidence > 1 {
			return fmt.Errorf("custom rule %d (%s): min_confidence must be in [0,1]", i, r.Name)
		}
	}

	return nil
}

// HistoryDatabasePath resolves the history database location.
func (c *Config) HistoryDatabasePath(workspace string) string {
	if c.History.DatabasePath != "" {
		return c.History.DatabasePath
	}
	return filepath.Join(workspace, ".evolution", "history.db")
}

// BackupRoot resolves the backup directory.
func (c *Config) BackupRoot(workspace string) string {
	if c.Backup.BackupDir != "" {
		return c.Backup.BackupDir
	}
	return filepath.Join(workspace, ".evolution", "backups")
}
