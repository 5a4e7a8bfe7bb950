// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"egress-runner/pkg/artifacts"
	"egress-runner/pkg/audit"
	"egress-runner/pkg/catalog"
	"egress-runner/pkg/config"
	"egress-runner/pkg/database"
	"egress-runner/pkg/geo"
	"egress-runner/pkg/ipinfo"
	"egress-runner/pkg/latency"
	"egress-runner/pkg/models"
	"egress-runner/pkg/rotation"
	"egress-runner/pkg/scheduler"
	"egress-runner/pkg/supervisor"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "egress-runner",
	Short: "Run isolated tasks through rotating egress proxies",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		level := charmlog.InfoLevel
		if debugFlag {
			level = charmlog.DebugLevel
		}
		handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			Level:           level,
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of supervised attempts",
	Long: `Run a counted sequence of isolated attempts. Each attempt gets the next proxy from
the rotator, is supervised until it succeeds, times out or hangs, and is recorded
in the batch record log before the next one starts.`,
	Example: "run --count 20 --strategy geographic --geo-ratio US:45,Other:55 --max-per-ip 2",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sum, err := runBatch(ctx, cfg)
		if sum != nil {
			if werr := sum.Write(os.Stdout); werr != nil {
				logger.Error("Error writing summary", "error", werr)
			}
		}
		switch {
		case err == nil:
			logger.Info("Batch completed", "successful", sum.Successful, "completed", sum.Completed)
		case errors.Is(err, context.Canceled):
			logger.Warn("Batch aborted")
			os.Exit(130)
		default:
			logger.Error("Batch stopped", "error", err)
			os.Exit(1)
		}
	},
}

var importCmd = &cobra.Command{
	Use:   "import-proxies [file]",
	Short: "Import proxies from a catalog file into the database",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, err := initDB(cfg)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		records, err := catalog.NewFileCatalog(args[0], logger).Load(ctx)
		if err != nil {
			logger.Error("Error reading proxies", "error", err)
			os.Exit(1)
		}
		if err := db.UpsertProxies(ctx, records); err != nil {
			logger.Error("Error storing proxies", "error", err)
			os.Exit(1)
		}
		logger.Info("Proxies imported successfully", "count", len(records))
	},
}

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Measure the latency of every catalog proxy",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		var db *database.DB
		if cfg.Database.Enabled {
			var err error
			if db, err = initDB(cfg); err != nil {
				logger.Error("Error initializing database", "error", err)
				os.Exit(1)
			}
			defer db.Close()
		}
		records, err := openCatalog(cfg, db).Load(ctx)
		if err != nil {
			logger.Error("Error loading catalog", "error", err)
			os.Exit(1)
		}

		prober := latency.NewProber(logger)
		prober.Target, _ = cmd.Flags().GetString("target")
		prober.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		prober.Samples, _ = cmd.Flags().GetInt("samples")
		results, err := prober.Measure(ctx, records)
		if err != nil {
			logger.Error("Error measuring proxies", "error", err)
			os.Exit(1)
		}

		for _, m := range results {
			if m.Err != nil {
				fmt.Printf("%-24s unreachable: %v\n", m.Label, m.Err)
				continue
			}
			fmt.Printf("%-24s %v\n", m.Label, m.Latency.Round(time.Millisecond))
			if db != nil {
				if err := db.UpdateProxyLatency(ctx, m.Label, m.Latency); err != nil {
					logger.Warn("Error storing latency", "proxy", m.Label, "error", err)
				}
			}
		}
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [label]",
	Short: "Resolve the egress IP and country of one proxy",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()

		var db *database.DB
		if cfg.Catalog.Source == config.SourceDatabase {
			var err error
			if db, err = initDB(cfg); err != nil {
				logger.Error("Error initializing database", "error", err)
				os.Exit(1)
			}
			defer db.Close()
		}
		records, err := openCatalog(cfg, db).Load(ctx)
		if err != nil {
			logger.Error("Error loading catalog", "error", err)
			os.Exit(1)
		}

		for _, p := range records {
			if p.Label != args[0] {
				continue
			}
			ip, err := newResolver(cfg).Resolve(ctx, p, cfg.ResolveOptions())
			if err != nil {
				logger.Error("Error resolving egress IP", "proxy", p.Label, "error", err)
				os.Exit(1)
			}
			fmt.Printf("proxy:    %s (%s, declared %s)\n", p.Label, p.Type, p.Country)
			fmt.Printf("egress:   %s\n", ip)

			locator, closeLocator := newLocator(cfg)
			defer closeLocator()
			if locator != nil {
				country, err := locator.Country(ctx, ip)
				if err != nil {
					logger.Warn("Error locating egress IP", "ip", ip, "error", err)
				} else {
					fmt.Printf("country:  %s\n", country)
				}
			}
			if cfg.IPCheck.IPInfoToken != "" {
				info, err := ipinfo.NewClient(cfg.IPCheck.IPInfoToken).GetIPInfo(ctx, ip)
				if err != nil {
					logger.Warn("Error looking up egress network", "ip", ip, "error", err)
				} else {
					asn, org := info.ASN()
					if asn != "" {
						fmt.Printf("asn:      %s\n", asn)
					}
					fmt.Printf("org:      %s\n", org)
				}
			}
			return
		}
		logger.Error("Proxy not found in catalog", "label", args[0])
		os.Exit(1)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Sample the rotator without running workers and print usage statistics",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()
		samples, _ := cmd.Flags().GetInt("samples")

		var db *database.DB
		if cfg.Catalog.Source == config.SourceDatabase {
			var err error
			if db, err = initDB(cfg); err != nil {
				logger.Error("Error initializing database", "error", err)
				os.Exit(1)
			}
			defer db.Close()
		}
		rot, closeRot, err := newRotator(ctx, cfg, db)
		if err != nil {
			logger.Error("Error initializing rotator", "error", err)
			os.Exit(1)
		}
		defer closeRot()

		for i := 0; i < samples; i++ {
			sel, err := rot.Next(ctx)
			if err != nil {
				logger.Warn("Rotation stopped", "after", i, "error", err)
				break
			}
			logger.Debug("Selected proxy", "n", i+1, "proxy", sel.Proxy.Label, "ip", sel.IP, "country", sel.Proxy.Country)
		}
		fmt.Print(scheduler.RotationReport(rot.Stats()))
	},
}

var reportCmd = &cobra.Command{
	Use:   "report [batch-id]",
	Short: "Summarize a recorded batch",
	Long: `Summarize a finished or interrupted batch from its record file, or from the
run_records table with --from-db.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		batchID := args[0]
		fromDB, _ := cmd.Flags().GetBool("from-db")

		var records []models.RunRecord
		var err error
		if fromDB {
			db, dbErr := initDB(cfg)
			if dbErr != nil {
				logger.Error("Error initializing database", "error", dbErr)
				os.Exit(1)
			}
			defer db.Close()
			records, err = db.GetRunRecordsByBatch(context.Background(), batchID)
		} else {
			records, err = audit.ReadFile(audit.Path(cfg.Batch.RecordsDir, batchID))
		}
		if err != nil {
			logger.Error("Error reading run records", "batch_id", batchID, "error", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			logger.Warn("No run records found", "batch_id", batchID)
			return
		}

		if err := scheduler.Summarize(batchID, records).Write(os.Stdout); err != nil {
			logger.Error("Error writing summary", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./config.yaml)")

	// Rotation flags are shared by run and stats.
	for _, c := range []*cobra.Command{runCmd, statsCmd} {
		f := c.Flags()
		f.String("strategy", "", "Rotation strategy: round-robin, random, fastest or geographic")
		f.String("start-label", "", "Proxy label the first round-robin pass starts at")
		f.String("country", "", "Comma separated country filter")
		f.String("connection-type", "", "Comma separated connection class filter (resident, datacenter, mobile)")
		f.String("proxy-type", "", "Comma separated proxy type filter (http, socks5, ss)")
		f.String("geo-ratio", "", "Geographic ratio, e.g. US:45,Other:55")
		f.Int("max-per-ip", 0, "Maximum attempts per egress IP")
		f.Bool("ip-check", true, "Resolve the real egress IP of each proxy")
		f.Bool("skip-ip-check", false, "Accept proxies whose egress IP cannot be resolved")
		f.Duration("ip-timeout", 0, "Timeout of each egress IP lookup")
		f.Int("ip-retries", 0, "Egress IP lookup attempts per proxy")
	}
	statsCmd.Flags().Int("samples", 100, "Number of selections to sample")

	runCmd.Flags().Int("count", 0, "Number of attempts")
	runCmd.Flags().String("prefix", "", "Artifact name prefix")
	runCmd.Flags().Bool("resume", false, "Continue numbering after the highest existing artifact")
	runCmd.Flags().Bool("no-rotation", false, "Run every attempt without a proxy")
	runCmd.Flags().Duration("timeout", 0, "Per-attempt classification timeout")
	runCmd.Flags().Duration("captcha-grace", 0, "Extra time granted once when a challenge is detected")
	runCmd.Flags().Duration("delay", 0, "Delay after a successful attempt")
	runCmd.Flags().Duration("failure-delay", 0, "Delay after a failed attempt")
	runCmd.Flags().Bool("delete-on-failure", false, "Delete the artifact of failed attempts")

	reportCmd.Flags().Bool("from-db", false, "Read the records from the database instead of the record file")

	measureCmd.Flags().String("target", latency.DefaultTarget, "URL fetched through each proxy")
	measureCmd.Flags().Int("concurrency", 8, "Concurrent probes")
	measureCmd.Flags().Int("samples", 1, "Probes per proxy; the fastest is kept")

	bindFlags(runCmd, map[string]string{
		"count":             "batch.count",
		"prefix":            "batch.prefix",
		"resume":            "batch.resume",
		"timeout":           "supervisor.timeout",
		"captcha-grace":     "supervisor.captcha_grace",
		"delay":             "batch.success_delay",
		"failure-delay":     "batch.failure_delay",
		"delete-on-failure": "batch.delete_on_failure",
	}, rotationFlags)
	bindFlags(statsCmd, rotationFlags)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(measureCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reportCmd)
}

var rotationFlags = map[string]string{
	"strategy":        "rotation.strategy",
	"start-label":     "rotation.start_label",
	"country":         "rotation.country",
	"connection-type": "rotation.connection_type",
	"proxy-type":      "rotation.proxy_type",
	"geo-ratio":       "rotation.geo_ratio",
	"max-per-ip":      "rotation.max_profiles_per_ip",
	"ip-check":        "rotation.ip_check",
	"skip-ip-check":   "rotation.skip_ip_check",
	"ip-timeout":      "ipcheck.timeout",
	"ip-retries":      "ipcheck.max_attempts",
}

// bindFlags binds the command's flags to config keys when the command runs, so commands
// sharing a flag name do not override each other's binding.
func bindFlags(cmd *cobra.Command, keySets ...map[string]string) {
	cmd.PreRun = func(c *cobra.Command, args []string) {
		for _, keys := range keySets {
			for flag, key := range keys {
				if err := viper.BindPFlag(key, c.Flags().Lookup(flag)); err != nil {
					logger.Error("Error binding flag", "flag", flag, "error", err)
					os.Exit(1)
				}
			}
		}
		if noRotation, _ := c.Flags().GetBool("no-rotation"); noRotation {
			viper.Set("rotation.enabled", false)
		}
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix("EGRESS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.egress-runner")
		viper.AddConfigPath("/etc/egress-runner/")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func loadConfig() config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Debug("Configuration loaded", "file", viper.ConfigFileUsed())
	return cfg
}

func initDB(cfg config.Config) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Config)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %v", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return db, nil
}

// runBatch wires every component from cfg and runs the batch.
func runBatch(ctx context.Context, cfg config.Config) (*scheduler.Summary, error) {
	batchID := uuid.NewString()

	var db *database.DB
	if cfg.Database.Enabled {
		var err error
		if db, err = initDB(cfg); err != nil {
			return nil, err
		}
		defer db.Close()
	}

	records, err := audit.Open(cfg.Batch.RecordsDir, batchID)
	if err != nil {
		return nil, err
	}
	defer records.Close()

	store := artifacts.NewDirStore(cfg.Batch.ArtifactsDir, logger)
	markers := supervisor.MarkerProbe{Root: cfg.Batch.ArtifactsDir}
	env := &supervisor.ProcessEnvironment{
		Command: cfg.Supervisor.Command,
		Args:    cfg.Supervisor.Args,
		Dir:     cfg.Supervisor.Dir,
		Env:     []string{"EGRESS_ARTIFACTS_DIR=" + cfg.Batch.ArtifactsDir, "EGRESS_BATCH=" + batchID},
		Logger:  logger,
	}
	sup := supervisor.New(env, cfg.SupervisorConfig(), logger).
		WithActivity(markers).
		WithChallenge(markers).
		WithSuccessSignal(supervisor.PatternSignal(cfg.Supervisor.SuccessMarkers)).
		WithSnapshotter(store)

	sched := scheduler.New(sup, records, logger).WithStore(store)
	if db != nil {
		sched.WithMirror(db)
	}
	if cfg.Rotation.Enabled {
		rot, closeRot, err := newRotator(ctx, cfg, db)
		if err != nil {
			return nil, err
		}
		defer closeRot()
		sched.WithRotator(rot)
	}

	logger.Info("Batch records", "batch_id", batchID, "file", records.Path())
	return sched.Run(ctx, cfg.Plan(batchID))
}

func newRotator(ctx context.Context, cfg config.Config, db *database.DB) (*rotation.Rotator, func(), error) {
	rc, err := cfg.RotationConfig()
	if err != nil {
		return nil, nil, err
	}

	var cat catalog.Catalog = openCatalog(cfg, db)
	if _, fastest := rc.Strategy.(rotation.Fastest); fastest && cfg.Rotation.MeasureLatency {
		cat, err = measuredCatalog(ctx, cat)
		if err != nil {
			return nil, nil, err
		}
	}

	rot, err := rotation.New(ctx, cat, rc, newResolver(cfg), logger)
	if err != nil {
		return nil, nil, err
	}
	locator, closeLocator := newLocator(cfg)
	if locator != nil {
		rot.WithLocator(locator)
	}
	return rot, closeLocator, nil
}

// measuredCatalog probes every proxy once so the fastest strategy has fresh latencies.
func measuredCatalog(ctx context.Context, cat catalog.Catalog) (catalog.Catalog, error) {
	records, err := cat.Load(ctx)
	if err != nil {
		return nil, err
	}
	results, err := latency.NewProber(logger).Measure(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("latency measurement failed: %w", err)
	}
	return catalog.Static(latency.Apply(records, results)), nil
}

func openCatalog(cfg config.Config, db *database.DB) catalog.Catalog {
	if cfg.Catalog.Source == config.SourceDatabase && db != nil {
		return &catalog.DBCatalog{DB: db}
	}
	return catalog.NewFileCatalog(cfg.Catalog.File, logger)
}

func newResolver(cfg config.Config) *ipinfo.Resolver {
	return ipinfo.NewResolver(cfg.IPCheck.Endpoints, logger)
}

// newLocator prefers a local GeoIP database and falls back to ipinfo.io when a token is set.
func newLocator(cfg config.Config) (rotation.Locator, func()) {
	if cfg.GeoIP.Database != "" {
		locator, err := geo.Open(cfg.GeoIP.Database)
		if err != nil {
			logger.Warn("GeoIP database unavailable, egress countries will not be verified", "error", err)
			return nil, func() {}
		}
		return locator, func() { locator.Close() }
	}
	if cfg.IPCheck.IPInfoToken != "" {
		return ipinfo.NewClient(cfg.IPCheck.IPInfoToken), func() {}
	}
	return nil, func() {}
}
