package config

import (
	"fmt"
	"strings"
	"time"

	"schedcore/internal/sched"
	"schedcore/internal/storage"
	logx "schedcore/pkg/logx"
)

// Config is the daemon's file configuration. The scheduling core itself is
// configured purely through constructor parameters; everything here belongs
// to the surrounding wiring (logging, storage, ops, janitor).
type Config struct {
	Log       LogConfig       `json:"log"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sessions  SessionsConfig  `json:"sessions"`
	Requests  RequestsConfig  `json:"requests"`
	Storage   StorageConfig   `json:"storage"`
	Ops       OpsConfig       `json:"ops"`
}

type LogConfig struct {
	Level   string     `json:"level"`
	Console *bool      `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SchedulerConfig struct {
	// Instances > 1 puts a load balancer in front of that many independent
	// scheduler instances.
	Instances      int              `json:"instances"`
	Workers        int              `json:"workers"`
	QueueSize      int              `json:"queue_size"`
	OffloadWorkers int              `json:"offload_workers"`
	MaxSessions    int              `json:"max_sessions"`
	RateLimit      *RateLimitConfig `json:"rate_limit"`
	EnqueueTimeout string           `json:"enqueue_timeout"`
	WaitTimeout    string           `json:"wait_timeout"`
}

type RateLimitConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst"`
}

type SessionsConfig struct {
	// IdleTimeout controls the janitor's idle-session eviction threshold.
	IdleTimeout string `json:"idle_timeout"`
	// CleanupSchedule is a cron spec (robfig/cron, with @every support).
	CleanupSchedule string `json:"cleanup_schedule"`
}

type RequestsConfig struct {
	// Retention controls how long terminal requests stay inspectable by id.
	Retention string `json:"retention"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type OpsConfig struct {
	Enabled     bool   `json:"enabled"`
	Listen      string `json:"listen"`
	EventBuffer int    `json:"event_buffer"`
	// RatePerSec throttles event fan-out per websocket client.
	RatePerSec int `json:"rate_per_sec"`
}

// Validate checks cross-field constraints and duration strings.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Scheduler.Instances < 0 {
		return fmt.Errorf("scheduler.instances must be >= 0")
	}
	if rl := c.Scheduler.RateLimit; rl != nil {
		if rl.PerSecond <= 0 {
			return fmt.Errorf("scheduler.rate_limit.per_second must be > 0")
		}
		if rl.Burst <= 0 {
			return fmt.Errorf("scheduler.rate_limit.burst must be > 0")
		}
	}
	if _, err := ParseDurationField("scheduler.enqueue_timeout", c.Scheduler.EnqueueTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.wait_timeout", c.Scheduler.WaitTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("sessions.idle_timeout", c.Sessions.IdleTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("requests.retention", c.Requests.Retention); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if c.Ops.Enabled && strings.TrimSpace(c.Ops.Listen) == "" {
		return fmt.Errorf("ops.listen is required when ops.enabled")
	}
	return nil
}

// LogxConfig maps the log section onto logx.
func (c *Config) LogxConfig() logx.Config {
	console := true
	if c.Log.Console != nil {
		console = *c.Log.Console
	}
	return logx.Config{
		Level:   c.Log.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.Log.File.Enabled,
			Path:    c.Log.File.Path,
		},
	}
}

// SchedConfig maps the scheduler section onto the core's constructor config.
// Validate must have passed; bad durations fall back to zero (core default).
func (c *Config) SchedConfig() sched.Config {
	enq, _ := ParseDurationField("scheduler.enqueue_timeout", c.Scheduler.EnqueueTimeout)
	wait, _ := ParseDurationField("scheduler.wait_timeout", c.Scheduler.WaitTimeout)
	out := sched.Config{
		Workers:        c.Scheduler.Workers,
		QueueSize:      c.Scheduler.QueueSize,
		OffloadWorkers: c.Scheduler.OffloadWorkers,
		MaxSessions:    c.Scheduler.MaxSessions,
		EnqueueTimeout: enq,
		WaitTimeout:    wait,
	}
	if rl := c.Scheduler.RateLimit; rl != nil {
		out.RateLimit = &sched.RateLimit{PerSecond: rl.PerSecond, Burst: rl.Burst}
	}
	return out
}

// StoreConfig maps the storage section onto the history store.
func (c *Config) StoreConfig() storage.Config {
	busy, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}
}

// SessionIdleTimeout returns the janitor threshold, defaulting to 10m.
func (c *Config) SessionIdleTimeout() time.Duration {
	d, err := ParseDurationOrDefault("sessions.idle_timeout", c.Sessions.IdleTimeout, 10*time.Minute)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// RequestRetention returns the prune threshold, defaulting to 1h.
func (c *Config) RequestRetention() time.Duration {
	d, err := ParseDurationOrDefault("requests.retention", c.Requests.Retention, time.Hour)
	if err != nil {
		return time.Hour
	}
	return d
}

// CleanupSchedule returns the cron spec for the janitor, defaulting to a
// one-minute sweep.
func (c *Config) CleanupSchedule() string {
	s := strings.TrimSpace(c.Sessions.CleanupSchedule)
	if s == "" {
		return "@every 1m"
	}
	return s
}
