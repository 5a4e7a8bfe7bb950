// Package config decodes the viper configuration into the typed settings each component consumes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"egress-runner/pkg/catalog"
	"egress-runner/pkg/database"
	"egress-runner/pkg/ipinfo"
	"egress-runner/pkg/models"
	"egress-runner/pkg/rotation"
	"egress-runner/pkg/scheduler"
	"egress-runner/pkg/supervisor"
)

// Catalog sources.
const (
	SourceFile     = "file"
	SourceDatabase = "database"
)

type Catalog struct {
	Source string
	File   string
}

type Rotation struct {
	Enabled    bool
	Strategy   string
	StartLabel string
	Countries  []string
	Classes    []string
	Types      []string
	GeoRatio   string
	MaxPerIP   int
	CheckIP    bool
	// SkipIPCheck accepts proxies whose egress IP could not be resolved.
	SkipIPCheck bool
	// MeasureLatency probes every proxy before a fastest rotation.
	MeasureLatency bool
}

type IPCheck struct {
	Endpoints   []string
	Timeout     time.Duration
	MaxAttempts int
	IPInfoToken string
}

type Supervisor struct {
	Command        string
	Args           []string
	Dir            string
	Timeout        time.Duration
	CaptchaGrace   time.Duration
	CleanupBuffer  time.Duration
	PollInterval   time.Duration
	KillDelay      time.Duration
	LogsDir        string
	SuccessMarkers []string
	// AssumeSuccessOnHang keeps success evidence when a worker hangs during cleanup.
	AssumeSuccessOnHang bool
	SnapshotLines       int
}

type Batch struct {
	Count            int
	Prefix           string
	StartAt          int
	Resume           bool
	SuccessDelay     time.Duration
	FailureDelay     time.Duration
	DeleteOnFailure  bool
	CleanupOnSuccess bool
	CrashGuard       bool
	RecordsDir       string
	ArtifactsDir     string
}

type Database struct {
	Enabled bool
	database.Config
}

type GeoIP struct {
	Database string
}

type Config struct {
	Catalog    Catalog
	Rotation   Rotation
	IPCheck    IPCheck
	Supervisor Supervisor
	Batch      Batch
	Database   Database
	GeoIP      GeoIP
}

// SetDefaults registers a default for every key so that a missing config file still works.
func SetDefaults(v *viper.Viper) {
	sup := supervisor.DefaultConfig()

	v.SetDefault("catalog.source", SourceFile)
	v.SetDefault("catalog.file", "proxies.txt")

	v.SetDefault("rotation.enabled", true)
	v.SetDefault("rotation.strategy", "round-robin")
	v.SetDefault("rotation.start_label", "")
	v.SetDefault("rotation.country", []string{})
	v.SetDefault("rotation.connection_type", []string{})
	v.SetDefault("rotation.proxy_type", []string{})
	v.SetDefault("rotation.geo_ratio", "")
	v.SetDefault("rotation.max_profiles_per_ip", 1)
	v.SetDefault("rotation.ip_check", true)
	v.SetDefault("rotation.skip_ip_check", false)
	v.SetDefault("rotation.measure_latency", false)

	v.SetDefault("ipcheck.endpoints", ipinfo.DefaultEndpoints)
	v.SetDefault("ipcheck.timeout", 10*time.Second)
	v.SetDefault("ipcheck.max_attempts", 3)
	v.SetDefault("ipcheck.ipinfo_token", "")

	v.SetDefault("supervisor.command", "")
	v.SetDefault("supervisor.args", []string{})
	v.SetDefault("supervisor.dir", "")
	v.SetDefault("supervisor.timeout", sup.Timeout)
	v.SetDefault("supervisor.captcha_grace", sup.CaptchaGrace)
	v.SetDefault("supervisor.cleanup_buffer", sup.CleanupBuffer)
	v.SetDefault("supervisor.poll_interval", sup.PollInterval)
	v.SetDefault("supervisor.kill_delay", sup.KillDelay)
	v.SetDefault("supervisor.logs_dir", "logs")
	v.SetDefault("supervisor.success_markers", []string{})
	v.SetDefault("supervisor.assume_success_on_hang", sup.AssumeSuccessOnHang)
	v.SetDefault("supervisor.snapshot_lines", sup.SnapshotLines)

	v.SetDefault("batch.count", 1)
	v.SetDefault("batch.prefix", "profile_")
	v.SetDefault("batch.start_at", 1)
	v.SetDefault("batch.resume", false)
	v.SetDefault("batch.success_delay", 30*time.Second)
	v.SetDefault("batch.failure_delay", 120*time.Second)
	v.SetDefault("batch.delete_on_failure", false)
	v.SetDefault("batch.cleanup_on_success", true)
	v.SetDefault("batch.crash_guard", true)
	v.SetDefault("batch.records_dir", "records")
	v.SetDefault("batch.artifacts_dir", "profiles")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "egress_runner")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("geoip.database", "")
}

// Load reads every section from v. Call SetDefaults first.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Catalog: Catalog{
			Source: v.GetString("catalog.source"),
			File:   v.GetString("catalog.file"),
		},
		Rotation: Rotation{
			Enabled:        v.GetBool("rotation.enabled"),
			Strategy:       v.GetString("rotation.strategy"),
			StartLabel:     v.GetString("rotation.start_label"),
			Countries:      list(v, "rotation.country"),
			Classes:        list(v, "rotation.connection_type"),
			Types:          list(v, "rotation.proxy_type"),
			GeoRatio:       v.GetString("rotation.geo_ratio"),
			MaxPerIP:       v.GetInt("rotation.max_profiles_per_ip"),
			CheckIP:        v.GetBool("rotation.ip_check"),
			SkipIPCheck:    v.GetBool("rotation.skip_ip_check"),
			MeasureLatency: v.GetBool("rotation.measure_latency"),
		},
		IPCheck: IPCheck{
			Endpoints:   list(v, "ipcheck.endpoints"),
			Timeout:     v.GetDuration("ipcheck.timeout"),
			MaxAttempts: v.GetInt("ipcheck.max_attempts"),
			IPInfoToken: v.GetString("ipcheck.ipinfo_token"),
		},
		Supervisor: Supervisor{
			Command:             v.GetString("supervisor.command"),
			Args:                v.GetStringSlice("supervisor.args"),
			Dir:                 v.GetString("supervisor.dir"),
			Timeout:             v.GetDuration("supervisor.timeout"),
			CaptchaGrace:        v.GetDuration("supervisor.captcha_grace"),
			CleanupBuffer:       v.GetDuration("supervisor.cleanup_buffer"),
			PollInterval:        v.GetDuration("supervisor.poll_interval"),
			KillDelay:           v.GetDuration("supervisor.kill_delay"),
			LogsDir:             v.GetString("supervisor.logs_dir"),
			SuccessMarkers:      v.GetStringSlice("supervisor.success_markers"),
			AssumeSuccessOnHang: v.GetBool("supervisor.assume_success_on_hang"),
			SnapshotLines:       v.GetInt("supervisor.snapshot_lines"),
		},
		Batch: Batch{
			Count:            v.GetInt("batch.count"),
			Prefix:           v.GetString("batch.prefix"),
			StartAt:          v.GetInt("batch.start_at"),
			Resume:           v.GetBool("batch.resume"),
			SuccessDelay:     v.GetDuration("batch.success_delay"),
			FailureDelay:     v.GetDuration("batch.failure_delay"),
			DeleteOnFailure:  v.GetBool("batch.delete_on_failure"),
			CleanupOnSuccess: v.GetBool("batch.cleanup_on_success"),
			CrashGuard:       v.GetBool("batch.crash_guard"),
			RecordsDir:       v.GetString("batch.records_dir"),
			ArtifactsDir:     v.GetString("batch.artifacts_dir"),
		},
		Database: Database{
			Enabled: v.GetBool("database.enabled"),
			Config: database.Config{
				Host:     v.GetString("database.host"),
				Port:     v.GetInt("database.port"),
				User:     v.GetString("database.user"),
				Password: v.GetString("database.password"),
				DBName:   v.GetString("database.dbname"),
				SSLMode:  v.GetString("database.sslmode"),
			},
		},
		GeoIP: GeoIP{
			Database: v.GetString("geoip.database"),
		},
	}
	return c, c.Validate()
}

// list accepts either a YAML list or a comma separated string.
func list(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	switch c.Catalog.Source {
	case SourceFile, SourceDatabase:
	default:
		return fmt.Errorf("catalog.source must be %q or %q, got %q", SourceFile, SourceDatabase, c.Catalog.Source)
	}
	if c.Catalog.Source == SourceDatabase && !c.Database.Enabled {
		return fmt.Errorf("catalog.source is %q but the database is disabled", SourceDatabase)
	}
	if c.Batch.Count < 1 {
		return fmt.Errorf("batch.count must be at least 1, got %d", c.Batch.Count)
	}
	if c.Supervisor.Timeout <= 0 {
		return fmt.Errorf("supervisor.timeout must be positive")
	}
	if c.Supervisor.KillDelay < 0 || c.Supervisor.CaptchaGrace < 0 || c.Supervisor.CleanupBuffer < 0 {
		return fmt.Errorf("supervisor durations must not be negative")
	}
	if c.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("supervisor.poll_interval must be positive")
	}
	// The watchdog fires kill_delay twice over plus two polls before the end of the
	// buffer, and must not cut the classification deadline short.
	if need := 2*c.Supervisor.KillDelay + 2*c.Supervisor.PollInterval; c.Supervisor.CleanupBuffer < need {
		return fmt.Errorf("supervisor.cleanup_buffer must be at least 2*kill_delay + 2*poll_interval (%v), got %v",
			need, c.Supervisor.CleanupBuffer)
	}
	if c.Rotation.MaxPerIP < 1 {
		return fmt.Errorf("rotation.max_profiles_per_ip must be at least 1, got %d", c.Rotation.MaxPerIP)
	}
	if c.Rotation.Enabled {
		if _, err := c.Strategy(); err != nil {
			return err
		}
	}
	return nil
}

// Strategy parses the configured rotation strategy.
func (c Config) Strategy() (rotation.Strategy, error) {
	return rotation.ParseStrategy(c.Rotation.Strategy, c.Rotation.GeoRatio)
}

// Filter builds the catalog filter from the rotation section.
func (c Config) Filter() (catalog.Filter, error) {
	f := catalog.Filter{}
	for _, country := range c.Rotation.Countries {
		f.Countries = append(f.Countries, strings.ToUpper(country))
	}
	for _, class := range c.Rotation.Classes {
		cc, err := models.ParseConnectionClass(strings.ToLower(class))
		if err != nil {
			return catalog.Filter{}, err
		}
		f.Classes = append(f.Classes, cc)
	}
	for _, t := range c.Rotation.Types {
		switch pt := models.ProxyType(strings.ToLower(t)); pt {
		case models.HTTPType, models.SOCKS5Type, models.ShadowsocksType:
			f.Types = append(f.Types, pt)
		default:
			return catalog.Filter{}, fmt.Errorf("unknown proxy type %q", t)
		}
	}
	return f, nil
}

// RotationConfig assembles the rotator settings.
func (c Config) RotationConfig() (rotation.Config, error) {
	strategy, err := c.Strategy()
	if err != nil {
		return rotation.Config{}, err
	}
	filter, err := c.Filter()
	if err != nil {
		return rotation.Config{}, err
	}
	return rotation.Config{
		Strategy:         strategy,
		StartLabel:       c.Rotation.StartLabel,
		Filter:           filter,
		MaxPerIP:         c.Rotation.MaxPerIP,
		CheckIP:          c.Rotation.CheckIP,
		AcceptUnresolved: c.Rotation.SkipIPCheck,
		Resolve:          c.ResolveOptions(),
	}, nil
}

func (c Config) ResolveOptions() ipinfo.Options {
	return ipinfo.Options{Timeout: c.IPCheck.Timeout, MaxAttempts: c.IPCheck.MaxAttempts}
}

func (c Config) SupervisorConfig() supervisor.Config {
	s := c.Supervisor
	return supervisor.Config{
		Timeout:             s.Timeout,
		CaptchaGrace:        s.CaptchaGrace,
		CleanupBuffer:       s.CleanupBuffer,
		PollInterval:        s.PollInterval,
		KillDelay:           s.KillDelay,
		LogsDir:             s.LogsDir,
		AssumeSuccessOnHang: s.AssumeSuccessOnHang,
		SnapshotLines:       s.SnapshotLines,
	}
}

// Plan builds the batch plan for batchID.
func (c Config) Plan(batchID string) scheduler.Plan {
	b := c.Batch
	return scheduler.Plan{
		BatchID:          batchID,
		Count:            b.Count,
		Prefix:           b.Prefix,
		StartAt:          b.StartAt,
		Resume:           b.Resume,
		SuccessDelay:     b.SuccessDelay,
		FailureDelay:     b.FailureDelay,
		CleanupOnSuccess: b.CleanupOnSuccess,
		DeleteOnFailure:  b.DeleteOnFailure,
		CrashGuard:       b.CrashGuard,
	}
}
