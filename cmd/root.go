// Package cmd implements the proxyhub CLI using Cobra.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantage-labs/proxyhub/internal/admin"
	"github.com/vantage-labs/proxyhub/internal/config"
	"github.com/vantage-labs/proxyhub/internal/dispatcher"
	"github.com/vantage-labs/proxyhub/internal/health"
	"github.com/vantage-labs/proxyhub/internal/ingest"
	"github.com/vantage-labs/proxyhub/internal/logging"
	"github.com/vantage-labs/proxyhub/internal/persistence"
	"github.com/vantage-labs/proxyhub/internal/pool"
	"github.com/vantage-labs/proxyhub/internal/rotator"
	"github.com/vantage-labs/proxyhub/internal/source"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables — one per spec §6 tunable, pflag-bound in init().
// -----------------------------------------------------------------------

var (
	flagHubPort     int
	flagControlPort int
	flagDataFile    string
	flagPresetFile  string
	flagLogLevel    string
	flagLogFormat   string

	flagPrologueTimeout time.Duration
	flagConnectTimeout  time.Duration
	flagSniffTimeout    time.Duration
	flagScrapeTimeout   time.Duration
	flagHealthDomestic  time.Duration
	flagHealthForeign   time.Duration

	flagMaxRetries    int
	flagFailThreshold int

	flagScrapeProxyURL string
	flagScrapeUseProxy bool

	flagSwitchStatusCodes []int
	flagSwitchKeywords    []string

	flagDomesticProbeURL string
	flagForeignProbeURL  string
)

var rootCmd = &cobra.Command{
	Use:   "proxyhub",
	Short: "Rotating HTTP/CONNECT proxy hub with upstream pool management",
	Long: `proxyhub — a rotating HTTP/CONNECT proxy hub.

It accepts client connections, selects an upstream proxy from a managed
pool on every attempt, and retries across upstreams when the upstream's
own response looks like a block (sniffed status code or keyword). A
source registry and ingestor keep the pool stocked from scrape targets;
a health checker classifies each candidate as dead, domestic, or foreign;
an admin HTTP surface exposes every operational control.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()
	d := config.Default()

	f.IntVar(&flagHubPort, "hub-port", d.HubPort, "Local listen port for client connections")
	f.IntVar(&flagControlPort, "control-port", d.ControlPort, "Listen port for the admin/control HTTP surface")
	f.StringVar(&flagDataFile, "data-file", d.DataFile, "Path to the persisted pool state snapshot")
	f.StringVar(&flagPresetFile, "preset-file", d.PresetFile, "Path to the source preset bundle file")
	f.StringVar(&flagLogLevel, "log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	f.StringVar(&flagLogFormat, "log-format", d.LogFormat, "Log format (json or text)")

	f.DurationVar(&flagPrologueTimeout, "prologue-timeout", d.Timeouts.Prologue, "Deadline for reading the client's opening bytes")
	f.DurationVar(&flagConnectTimeout, "connect-timeout", d.Timeouts.UpstreamConnect, "Deadline for dialing the selected upstream")
	f.DurationVar(&flagSniffTimeout, "sniff-timeout", d.Timeouts.Sniff, "Deadline for sniffing the upstream's first response bytes")
	f.DurationVar(&flagScrapeTimeout, "scrape-timeout", d.Timeouts.Scrape, "Deadline for each source fetch (not passed to the ingestor, which uses its built-in 20s timeout)")
	f.DurationVar(&flagHealthDomestic, "health-domestic-timeout", d.Timeouts.HealthDomestic, "Deadline for the domestic health probe (not passed to the health checker, which uses its built-in 3s default)")
	f.DurationVar(&flagHealthForeign, "health-foreign-timeout", d.Timeouts.HealthForeign, "Deadline for the foreign health probe (not passed to the health checker, which uses its built-in 2s default)")

	f.IntVar(&flagMaxRetries, "max-retries", d.MaxRetries, "Maximum upstream retries per client connection")
	f.IntVar(&flagFailThreshold, "fail-threshold", d.FailThreshold, "Consecutive failures before an upstream is blacklisted")

	f.StringVar(&flagScrapeProxyURL, "scrape-proxy-url", d.ScrapeProxyURL, "Local upstream to route source scrapes through")
	f.BoolVar(&flagScrapeUseProxy, "scrape-use-proxy", d.ScrapeUseProxy, "Route source scrapes through scrape-proxy-url (not consulted: each fetch request's use_proxy field decides)")

	f.IntSliceVar(&flagSwitchStatusCodes, "switch-status-code", d.SwitchStatusCodes, "HTTP status code that triggers a retry on a different upstream (repeatable)")
	f.StringSliceVar(&flagSwitchKeywords, "switch-keyword", d.SwitchKeywords, "Response keyword that triggers a retry on a different upstream (repeatable)")

	f.StringVar(&flagDomesticProbeURL, "domestic-probe-url", d.DomesticProbeURL, "URL used to classify an upstream as domestic (not passed to the health checker, which probes http://www.baidu.com)")
	f.StringVar(&flagForeignProbeURL, "foreign-probe-url", d.ForeignProbeURL, "URL used to classify an upstream as foreign (not passed to the health checker, which probes http://www.google.com)")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg)

	logging.Configure(cfg.LogLevel, cfg.LogFormat == "json")
	log := logging.Get("cmd")

	store := pool.New(cfg.FailThreshold)

	persist := persistence.New(cfg.DataFile)
	if snap, err := persist.Load(); err != nil {
		log.WithField("err", err).Warn("failed to load persisted state, starting empty")
	} else {
		store.Import(snap)
		log.WithFields(map[string]any{
			"sources":   len(snap.Sources),
			"upstreams": len(snap.Upstreams),
		}).Info("restored persisted state")
	}

	presets := config.NewPresetLoader(cfg.PresetFile)
	registry := source.New(store, presets)
	ingestor := ingest.New(store)
	checker := health.New(store)
	picker := rotator.New(store)

	disp := dispatcher.New(store, picker, dispatcher.Config{
		ListenAddr:        fmt.Sprintf("0.0.0.0:%d", cfg.HubPort),
		PrologueTimeout:   cfg.Timeouts.Prologue,
		ConnectTimeout:    cfg.Timeouts.UpstreamConnect,
		SniffTimeout:      cfg.Timeouts.Sniff,
		MaxRetries:        cfg.MaxRetries,
		SwitchStatusCodes: statusCodeSet(cfg.SwitchStatusCodes),
		SwitchKeywords:    cfg.SwitchKeywords,
	})

	adminSrv := admin.New(fmt.Sprintf("127.0.0.1:%d", cfg.ControlPort), store, registry, ingestor, checker, picker, cfg.ScrapeProxyURL)
	admin.OnPersistRequested = func() error {
		return persist.Save(store.Export())
	}

	// Debounced background save: every mutation signals store.Dirty(), but
	// we coalesce bursts of signals into one save every persistDebounce,
	// mirroring the teacher's rotateCh coalescing loop.
	stopPersist := make(chan struct{})
	go func() {
		const persistDebounce = 5 * time.Second
		for {
			select {
			case <-store.Dirty():
				time.Sleep(persistDebounce)
			drain:
				for {
					select {
					case <-store.Dirty():
					default:
						break drain
					}
				}
				if err := persist.Save(store.Export()); err != nil {
					log.WithField("err", err).Warn("debounced persistence save failed")
				}
			case <-stopPersist:
				return
			}
		}
	}()

	// Live config reload: re-derive the config, reload to pick up any
	// subsequent changes to sniff predicates without a restart.
	if _, err := config.Load(func(reloaded *config.Config) {
		disp.SetConfig(statusCodeSet(reloaded.SwitchStatusCodes), reloaded.SwitchKeywords)
		log.Info("dispatcher sniff predicates reloaded")
	}); err != nil {
		log.WithField("err", err).Warn("config watch failed to start")
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("port", cfg.HubPort).Info("dispatcher starting")
		errCh <- disp.Start()
	}()
	go func() {
		log.WithField("port", cfg.ControlPort).Info("admin server starting")
		errCh <- adminSrv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithField("err", err).Error("server exited unexpectedly")
		}
	}

	close(stopPersist)
	_ = disp.Stop()
	_ = adminSrv.Stop()

	if err := persist.Save(store.Export()); err != nil {
		log.WithField("err", err).Error("failed to persist state on shutdown")
		return err
	}
	return nil
}

func statusCodeSet(codes []int) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

func applyFlagOverrides(cfg *config.Config) {
	fs := rootCmd.Flags()

	if fs.Changed("hub-port") {
		cfg.HubPort = flagHubPort
	}
	if fs.Changed("control-port") {
		cfg.ControlPort = flagControlPort
	}
	if fs.Changed("data-file") {
		cfg.DataFile = flagDataFile
	}
	if fs.Changed("preset-file") {
		cfg.PresetFile = flagPresetFile
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}
	if fs.Changed("prologue-timeout") {
		cfg.Timeouts.Prologue = flagPrologueTimeout
	}
	if fs.Changed("connect-timeout") {
		cfg.Timeouts.UpstreamConnect = flagConnectTimeout
	}
	if fs.Changed("sniff-timeout") {
		cfg.Timeouts.Sniff = flagSniffTimeout
	}
	if fs.Changed("scrape-timeout") {
		cfg.Timeouts.Scrape = flagScrapeTimeout
	}
	if fs.Changed("health-domestic-timeout") {
		cfg.Timeouts.HealthDomestic = flagHealthDomestic
	}
	if fs.Changed("health-foreign-timeout") {
		cfg.Timeouts.HealthForeign = flagHealthForeign
	}
	if fs.Changed("max-retries") {
		cfg.MaxRetries = flagMaxRetries
	}
	if fs.Changed("fail-threshold") {
		cfg.FailThreshold = flagFailThreshold
	}
	if fs.Changed("scrape-proxy-url") {
		cfg.ScrapeProxyURL = flagScrapeProxyURL
	}
	if fs.Changed("scrape-use-proxy") {
		cfg.ScrapeUseProxy = flagScrapeUseProxy
	}
	if fs.Changed("switch-status-code") {
		cfg.SwitchStatusCodes = flagSwitchStatusCodes
	}
	if fs.Changed("switch-keyword") {
		cfg.SwitchKeywords = flagSwitchKeywords
	}
	if fs.Changed("domestic-probe-url") {
		cfg.DomesticProbeURL = flagDomesticProbeURL
	}
	if fs.Changed("foreign-probe-url") {
		cfg.ForeignProbeURL = flagForeignProbeURL
	}
}
