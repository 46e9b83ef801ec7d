// Command autophoned is the Autophone device-farm controller: it loads
// the worker roster, subscribes to Pulse, and serves the operator
// command channel until told to stop.
package main

import (
	"context"
	ctls "crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mozilla/autophoned/internal/buildcache"
	"github.com/mozilla/autophoned/internal/config"
	"github.com/mozilla/autophoned/internal/crash"
	mdns "github.com/mozilla/autophoned/internal/discovery"
	"github.com/mozilla/autophoned/internal/dispatcher"
	"github.com/mozilla/autophoned/internal/mailer"
	"github.com/mozilla/autophoned/internal/metrics"
	"github.com/mozilla/autophoned/internal/model"
	"github.com/mozilla/autophoned/internal/normalize"
	"github.com/mozilla/autophoned/internal/pulse"
	"github.com/mozilla/autophoned/internal/registry"
	"github.com/mozilla/autophoned/internal/resilience"
	"github.com/mozilla/autophoned/internal/supervisor"
	"github.com/mozilla/autophoned/internal/testmanifest"
	tlsconfig "github.com/mozilla/autophoned/internal/tlsconfig"
)

var version = "v0.0.0-dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd := &cobra.Command{
		Use:   "autophoned",
		Short: "Autophone device-farm controller",
		Long: `autophoned coordinates a farm of Android devices: it dispatches
builds to registered workers, restarts crashed worker subprocesses, and
answers the operator command channel.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autophoned %s\n", version)
		},
	}

	serveCmd := newServeCmd()

	rootCmd.AddCommand(versionCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the controller daemon",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "path to a YAML config file")
	cmd.Flags().Bool("clear-cache", false, "wipe the build cache directory on startup")
	cmd.Flags().Bool("no-reboot", false, "don't send a reboot command to roster workers at startup")
	cmd.Flags().String("ipaddr", "", "IP address of this controller (stored in the serve config only; nothing is autodetected)")
	cmd.Flags().Int("port", 28001, "command server TCP port")
	cmd.Flags().String("cache", "autophone_cache.json", "path to the worker roster file")
	cmd.Flags().StringP("test-path", "t", "", "path to the test manifest YAML file")
	cmd.Flags().String("emailcfg", "", "path to the SMTP notification config file")
	cmd.Flags().Bool("disable-pulse", false, "don't connect to the Pulse message bus")
	cmd.Flags().Bool("enable-unittests", false, "set the serve config's unittest flag (the flag alone changes no behavior)")
	cmd.Flags().String("override-build-dir", "", "use this local directory as the build cache directory")
	cmd.Flags().String("loglevel", "INFO", "log level: ERROR, WARNING, DEBUG, or INFO")
	cmd.Flags().String("logfile", "", "path to a log file (overrides the config's log.file, which defaults to autophone.log)")
	cmd.Flags().String("worker-bin", "", "path to the worker subprocess binary")
	cmd.Flags().String("worker-log-dir", "", "directory for per-worker subprocess log files")
	cmd.Flags().String("amqp-url", "", "amqps:// URL of the Pulse broker")
	cmd.Flags().StringSlice("trees", []string{"mozilla-central", "integration/mozilla-inbound", "releases/mozilla-aurora", "releases/mozilla-beta"}, "accepted source repositories")
	cmd.Flags().StringSlice("platforms", []string{"android-api-16", "android-api-16-debug"}, "accepted build platforms")
	cmd.Flags().StringSlice("build-types", []string{"opt", "debug"}, "accepted build types")
	cmd.Flags().String("treeherder-url", "", "Treeherder base URL (job-action support disabled if empty)")
	cmd.Flags().Bool("tls-enabled", false, "use TLS when dialing the Pulse broker")
	cmd.Flags().String("tls-cert", "", "client certificate for Pulse TLS")
	cmd.Flags().String("tls-key", "", "client private key for Pulse TLS")
	cmd.Flags().String("tls-ca", "", "CA certificate verifying the Pulse broker")
	cmd.Flags().Bool("tls-insecure-skip-verify", false, "skip Pulse broker certificate verification")
	cmd.Flags().Bool("no-mdns", false, "disable mDNS advertisement of the command server")
	cmd.Flags().Bool("metrics", true, "serve Prometheus metrics")
	cmd.Flags().Int("metrics-port", 9090, "Prometheus metrics HTTP port")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	bindServeFlags(cmd, &cfg.Serve)

	watcher, err := config.WatchFile(configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("config file watcher not started")
	}
	defer watcher.Stop()

	logLevel, _ := cmd.Flags().GetString("loglevel")
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if !config.ValidLogLevel(cfg.Log.Level) {
		return fmt.Errorf("invalid log level %q: must be one of ERROR, WARNING, DEBUG, INFO", cfg.Log.Level)
	}
	if logFile, _ := cmd.Flags().GetString("logfile"); logFile != "" {
		cfg.Log.File = logFile
	}
	if err := configureLogging(cfg.Log.Level, cfg.Log.File); err != nil {
		return fmt.Errorf("opening log file %s: %w", cfg.Log.File, err)
	}

	log.Info().Str("version", version).Str("port", fmt.Sprint(cfg.Serve.Port)).Msg("starting autophoned")

	if cfg.Serve.ClearCache {
		if err := os.RemoveAll(cfg.Cache.Dir); err != nil {
			log.Warn().Err(err).Str("dir", cfg.Cache.Dir).Msg("failed to clear build cache directory")
		}
	}

	if cfg.Serve.OverrideBuildDir != "" {
		info, err := os.Stat(cfg.Serve.OverrideBuildDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("--override-build-dir %q is not a directory (builds must already be unpacked there for unittest mode): %w", cfg.Serve.OverrideBuildDir, err)
		}
		cfg.Cache.Dir = cfg.Serve.OverrideBuildDir
		log.Info().Str("dir", cfg.Cache.Dir).Msg("using override directory as the build cache directory")
	}

	store, err := buildcache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxSize, cfg.Cache.TTLHours)
	if err != nil {
		return fmt.Errorf("constructing build cache: %w", err)
	}
	cache := buildcache.NewCache(store, http.DefaultClient)

	reg := registry.New(crash.Config{Threshold: cfg.Crash.Threshold, Window: cfg.Crash.Window})
	phones, err := registry.LoadRoster(cfg.Serve.RosterPath)
	if err != nil {
		return fmt.Errorf("loading roster %s: %w", cfg.Serve.RosterPath, err)
	}
	for _, p := range phones {
		reg.Register(p)
	}
	log.Info().Int("count", len(phones)).Str("path", cfg.Serve.RosterPath).Msg("loaded worker roster")

	disp := dispatcher.New(cache, reg)

	trees, _ := cmd.Flags().GetStringSlice("trees")
	platforms, _ := cmd.Flags().GetStringSlice("platforms")
	buildTypes, _ := cmd.Flags().GetStringSlice("build-types")
	treeherderURL, _ := cmd.Flags().GetString("treeherder-url")

	breaker := resilience.NewCircuitManager(resilience.DefaultCircuitConfig())
	var th *normalize.TreeherderClient
	if treeherderURL != "" {
		th = normalize.NewTreeherderClient(treeherderURL, http.DefaultClient, breaker)
	}
	tc := normalize.NewTaskclusterClient("", http.DefaultClient, breaker)
	normalizerCfg := normalize.New(trees, platforms, buildTypes)
	normalizer := normalize.NewNormalizer(normalizerCfg, tc, th, http.DefaultClient)

	manifest, err := testmanifest.Load(cfg.Serve.TestPath)
	if err != nil {
		return fmt.Errorf("loading test manifest: %w", err)
	}
	resolved := manifest.Resolve()
	disp.SetTestPaths(testmanifest.ConfigPaths(resolved))
	log.Info().Int("count", len(resolved)).Msg("resolved test manifest entries")

	mailCfg, err := mailer.LoadConfig(cfg.Serve.EmailConfigPath)
	if err != nil {
		return fmt.Errorf("loading mail config: %w", err)
	}
	mailr := mailer.New(mailCfg, breaker)

	m := metrics.Default()

	var announcer *mdns.Announcer
	if noMdns, _ := cmd.Flags().GetBool("no-mdns"); !noMdns {
		hostname, _ := os.Hostname()
		announcer = mdns.NewAnnouncer(mdns.AnnouncerConfig{
			Instance:   fmt.Sprintf("autophone-%s", hostname),
			Port:       cfg.Serve.Port,
			Version:    version,
			InstanceID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		})
	}

	var pulseMonitor *pulse.Monitor
	if !cfg.Serve.DisablePulse {
		amqpURL, _ := cmd.Flags().GetString("amqp-url")
		pulseTLS, err := loadPulseTLS(cmd)
		if err != nil {
			return fmt.Errorf("configuring pulse tls: %w", err)
		}

		pulseCfg := pulse.DefaultConfig()
		pulseCfg.AMQPURL = amqpURL
		pulseCfg.TLS = pulseTLS
		pulseCfg.TreeherderEnabled = treeherderURL != ""
		pulseCfg.Platforms = platforms

		pulseMonitor = pulse.NewMonitor(pulseCfg, normalizer, func(ev *model.BuildEvent) {
			if err := disp.OnBuildEvent(context.Background(), ev); err != nil {
				log.Warn().Err(err).Str("url", ev.BuildURL).Msg("failed to dispatch build event")
			}
		}, func(ev *model.JobActionEvent) {
			if err := disp.OnJobAction(context.Background(), ev); err != nil {
				log.Warn().Err(err).Str("url", ev.BuildURL).Msg("failed to dispatch job action event")
			}
		})
	}

	if metricsEnabled, _ := cmd.Flags().GetBool("metrics"); metricsEnabled {
		metricsPort, _ := cmd.Flags().GetInt("metrics-port")
		go serveMetrics(metricsPort)
	}

	workerBin, _ := cmd.Flags().GetString("worker-bin")
	workerLogDir, _ := cmd.Flags().GetString("worker-log-dir")

	supCfg := supervisor.DefaultConfig()
	supCfg.RosterPath = cfg.Serve.RosterPath
	supCfg.WorkerBinPath = workerBin
	supCfg.WorkerLogDir = workerLogDir
	supCfg.NoReboot = cfg.Serve.NoReboot

	cmdAddr := fmt.Sprintf(":%d", cfg.Serve.Port)
	sup := supervisor.New(supCfg, reg, disp, mailr, m, announcer, pulseMonitor, cmdAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return sup.Run(ctx)
}

func bindServeFlags(cmd *cobra.Command, s *config.ServeConfig) {
	if v, err := cmd.Flags().GetBool("clear-cache"); err == nil && cmd.Flags().Changed("clear-cache") {
		s.ClearCache = v
	}
	if v, err := cmd.Flags().GetBool("no-reboot"); err == nil && cmd.Flags().Changed("no-reboot") {
		s.NoReboot = v
	}
	if v, err := cmd.Flags().GetString("ipaddr"); err == nil && cmd.Flags().Changed("ipaddr") {
		s.IPAddr = v
	}
	if v, err := cmd.Flags().GetInt("port"); err == nil && cmd.Flags().Changed("port") {
		s.Port = v
	}
	if v, err := cmd.Flags().GetString("cache"); err == nil && cmd.Flags().Changed("cache") {
		s.RosterPath = v
	}
	if v, err := cmd.Flags().GetString("test-path"); err == nil && cmd.Flags().Changed("test-path") {
		s.TestPath = v
	}
	if v, err := cmd.Flags().GetString("emailcfg"); err == nil && cmd.Flags().Changed("emailcfg") {
		s.EmailConfigPath = v
	}
	if v, err := cmd.Flags().GetBool("disable-pulse"); err == nil && cmd.Flags().Changed("disable-pulse") {
		s.DisablePulse = v
	}
	if v, err := cmd.Flags().GetBool("enable-unittests"); err == nil && cmd.Flags().Changed("enable-unittests") {
		s.EnableUnittests = v
	}
	if v, err := cmd.Flags().GetString("override-build-dir"); err == nil && cmd.Flags().Changed("override-build-dir") {
		s.OverrideBuildDir = v
	}
}

// configureLogging sets the global level and, if path is non-empty,
// redirects output from stderr to that file (opened append, created if
// missing).
func configureLogging(level, path string) error {
	switch level {
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "WARNING":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	log.Logger = log.Output(f)
	return nil
}

func loadPulseTLS(cmd *cobra.Command) (*ctls.Config, error) {
	enabled, _ := cmd.Flags().GetBool("tls-enabled")
	cert, _ := cmd.Flags().GetString("tls-cert")
	key, _ := cmd.Flags().GetString("tls-key")
	ca, _ := cmd.Flags().GetString("tls-ca")
	insecure, _ := cmd.Flags().GetBool("tls-insecure-skip-verify")

	tc := tlsconfig.Config{
		Enabled:            enabled,
		CertFile:           cert,
		KeyFile:            key,
		ClientCA:           ca,
		InsecureSkipVerify: insecure,
	}
	return tlsconfig.LoadClientTLS(tc)
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Info().Str("addr", addr).Msg("serving prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}
