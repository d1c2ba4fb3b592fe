// Package logging provides config-driven categorized file-based logging for
// the evolution engine. Logs are written to .evolution/logs/ with separate
// files per category. Logging is controlled by the logging section of
// .evolution/config.yaml - when debug_mode is false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/subsystem
type Category string

const (
	// Lifecycle categories
	CategoryBoot   Category = "boot"   // Startup/initialization
	CategoryEngine Category = "engine" // Engine lifecycle, wiring

	// Control-loop categories
	CategoryScheduler  Category = "scheduler"  // Tick loop, batching, quiet hours
	CategoryExecutor   Category = "executor"   // Per-proposal lifecycle
	CategoryScorer     Category = "scorer"     // Risk assessment
	CategoryPolicy     Category = "policy"     // Decision policy, custom rules
	CategoryApplicator Category = "applicator" // Target mutations, rollback
	CategoryMonitor    Category = "monitor"    // Self-healing evaluation

	// Infrastructure categories
	CategoryStore   Category = "store"   // State store, history store
	CategoryEvents  Category = "events"  // Event bus fan-out
	CategoryCouncil Category = "council" // Council oracle calls
	CategoryRules   Category = "rules"   // Custom-rule loading, hot reload
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// configFile structure for reading .evolution/config.yaml
type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// StructuredLogEntry represents a JSON log entry
type StructuredLogEntry struct {
	Timestamp     int64          `json:"ts"`  // Unix milliseconds
	Category      string         `json:"cat"` // Log category
	Level         string         `json:"lvl"` // debug/info/warn/error
	Message       string         `json:"msg"` // Log message
	ApplicationID string         `json:"app,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	workspace    string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".evolution", "logs")

	// Load config first to check if debug mode is enabled
	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		// Default to disabled (production mode)
		config.DebugMode = false
	}

	// Only create the logs directory if debug mode is enabled
	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== Evolution Engine Logging Initialized ===")
	bootLogger.Info("Workspace: %s", workspace)
	bootLogger.Info("Logs directory: %s", logsDir)
	bootLogger.Info("Log level: %s", config.Level)

	if len(config.Categories) > 0 {
		enabledCount := 0
		for _, enabled := range config.Categories {
			if enabled {
				enabledCount++
			}
		}
		bootLogger.Info("Enabled categories: %d/%d", enabledCount, len(config.Categories))
	} else {
		bootLogger.Info("All categories enabled (no category filter)")
	}

	return nil
}

// loadConfig reads the logging config from .evolution/config.yaml
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".evolution", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			configLoaded = true
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging
	configLoaded = true

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads the config from disk.
// Call this if config changes at runtime.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}

	if config.Categories == nil {
		return true // All enabled by default in debug mode
	}

	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Create log file with date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// logJSON writes a structured JSON log entry
func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured log entry with custom fields
func (l *Logger) StructuredLog(level string, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if config.JSONFormat {
		data, err := json.Marshal(entry)
		if err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	// Fallback to text format with fields
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...any) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...any) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...any) {
	Get(CategoryBoot).Error(format, args...)
}

// Engine logs to the engine category
func Engine(format string, args ...any) {
	Get(CategoryEngine).Info(format, args...)
}

// EngineDebug logs debug to the engine category
func EngineDebug(format string, args ...any) {
	Get(CategoryEngine).Debug(format, args...)
}

// EngineWarn logs warning to the engine category
func EngineWarn(format string, args ...any) {
	Get(CategoryEngine).Warn(format, args...)
}

// EngineError logs error to the engine category
func EngineError(format string, args ...any) {
	Get(CategoryEngine).Error(format, args...)
}

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...any) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...any) {
	Get(CategoryScheduler).Debug(format, args...)
}

// SchedulerWarn logs warning to the scheduler category
func SchedulerWarn(format string, args ...any) {
	Get(CategoryScheduler).Warn(format, args...)
}

// SchedulerError logs error to the scheduler category
func SchedulerError(format string, args ...any) {
	Get(CategoryScheduler).Error(format, args...)
}

// Executor logs to the executor category
func Executor(format string, args ...any) {
	Get(CategoryExecutor).Info(format, args...)
}

// ExecutorDebug logs debug to the executor category
func ExecutorDebug(format string, args ...any) {
	Get(CategoryExecutor).Debug(format, args...)
}

// ExecutorWarn logs warning to the executor category
func ExecutorWarn(format string, args ...any) {
	Get(CategoryExecutor).Warn(format, args...)
}

// ExecutorError logs error to the executor category
func ExecutorError(format string, args ...any) {
	Get(CategoryExecutor).Error(format, args...)
}

// Scorer logs to the scorer category
func Scorer(format string, args ...any) {
	Get(CategoryScorer).Info(format, args...)
}

// ScorerDebug logs debug to the scorer category
func ScorerDebug(format string, args ...any) {
	Get(CategoryScorer).Debug(format, args...)
}

// Policy logs to the policy category
func Policy(format string, args ...any) {
	Get(CategoryPolicy).Info(format, args...)
}

// PolicyDebug logs debug to the policy category
func PolicyDebug(format string, args ...any) {
	Get(CategoryPolicy).Debug(format, args...)
}

// PolicyWarn logs warning to the policy category
func PolicyWarn(format string, args ...any) {
	Get(CategoryPolicy).Warn(format, args...)
}

// Applicator logs to the applicator category
func Applicator(format string, args ...any) {
	Get(CategoryApplicator).Info(format, args...)
}

// ApplicatorDebug logs debug to the applicator category
func ApplicatorDebug(format string, args ...any) {
	Get(CategoryApplicator).Debug(format, args...)
}

// ApplicatorWarn logs warning to the applicator category
func ApplicatorWarn(format string, args ...any) {
	Get(CategoryApplicator).Warn(format, args...)
}

// ApplicatorError logs error to the applicator category
func ApplicatorError(format string, args ...any) {
	Get(CategoryApplicator).Error(format, args...)
}

// Monitor logs to the monitor category
func Monitor(format string, args ...any) {
	Get(CategoryMonitor).Info(format, args...)
}

// MonitorDebug logs debug to the monitor category
func MonitorDebug(format string, args ...any) {
	Get(CategoryMonitor).Debug(format, args...)
}

// MonitorWarn logs warning to the monitor category
func MonitorWarn(format string, args ...any) {
	Get(CategoryMonitor).Warn(format, args...)
}

// MonitorError logs error to the monitor category
func MonitorError(format string, args ...any) {
	Get(CategoryMonitor).Error(format, args...)
}

// Store logs to the store category
func Store(format string, args ...any) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...any) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...any) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...any) {
	Get(CategoryStore).Error(format, args...)
}

// Events logs to the events category
func Events(format string, args ...any) {
	Get(CategoryEvents).Info(format, args...)
}

// EventsDebug logs debug to the events category
func EventsDebug(format string, args ...any) {
	Get(CategoryEvents).Debug(format, args...)
}

// EventsWarn logs warning to the events category
func EventsWarn(format string, args ...any) {
	Get(CategoryEvents).Warn(format, args...)
}

// Council logs to the council category
func Council(format string, args ...any) {
	Get(CategoryCouncil).Info(format, args...)
}

// CouncilDebug logs debug to the council category
func CouncilDebug(format string, args ...any) {
	Get(CategoryCouncil).Debug(format, args...)
}

// CouncilWarn logs warning to the council category
func CouncilWarn(format string, args ...any) {
	Get(CategoryCouncil).Warn(format, args...)
}

// CouncilError logs error to the council category
func CouncilError(format string, args ...any) {
	Get(CategoryCouncil).Error(format, args...)
}

// Rules logs to the rules category
func Rules(format string, args ...any) {
	Get(CategoryRules).Info(format, args...)
}

// RulesDebug logs debug to the rules category
func RulesDebug(format string, args ...any) {
	Get(CategoryRules).Debug(format, args...)
}

// RulesWarn logs warning to the rules category
func RulesWarn(format string, args ...any) {
	Get(CategoryRules).Warn(format, args...)
}

// RulesError logs error to the rules category
func RulesError(format string, args ...any) {
	Get(CategoryRules).Error(format, args...)
}

// =============================================================================
// APPLICATION ID TRACING - Correlates one application attempt across categories
// =============================================================================

// ApplicationLogger provides application-scoped logging with a correlation ID
type ApplicationLogger struct {
	logger        *Logger
	applicationID string
	fields        map[string]any
}

// WithApplicationID creates an application-scoped logger
func WithApplicationID(category Category, applicationID string) *ApplicationLogger {
	return &ApplicationLogger{
		logger:        Get(category),
		applicationID: applicationID,
		fields:        make(map[string]any),
	}
}

// WithField adds a field to the application logger
func (a *ApplicationLogger) WithField(key string, value any) *ApplicationLogger {
	a.fields[key] = value
	return a
}

func (a *ApplicationLogger) formatMsg(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if len(a.fields) > 0 {
		return fmt.Sprintf("[app:%s] %s | %v", a.applicationID, msg, a.fields)
	}
	return fmt.Sprintf("[app:%s] %s", a.applicationID, msg)
}

func (a *ApplicationLogger) Debug(format string, args ...any) {
	if a.logger.logger == nil || logLevel > LevelDebug {
		return
	}
	a.logger.logger.Printf("[DEBUG] %s", a.formatMsg(format, args...))
}

func (a *ApplicationLogger) Info(format string, args ...any) {
	if a.logger.logger == nil || logLevel > LevelInfo {
		return
	}
	a.logger.logger.Printf("[INFO] %s", a.formatMsg(format, args...))
}

func (a *ApplicationLogger) Warn(format string, args ...any) {
	if a.logger.logger == nil || logLevel > LevelWarn {
		return
	}
	a.logger.logger.Printf("[WARN] %s", a.formatMsg(format, args...))
}

func (a *ApplicationLogger) Error(format string, args ...any) {
	if a.logger.logger == nil {
		return
	}
	a.logger.logger.Printf("[ERROR] %s", a.formatMsg(format, args...))
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
